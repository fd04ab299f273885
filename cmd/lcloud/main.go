package main

import (
	"log"
	"os"

	"github.com/newJimmyChu/lcloud/filesys"
	"github.com/newJimmyChu/lcloud/transport"
	"github.com/urfave/cli/v2"
)

func main() {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("lcloud: ")

	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "lcloud",
		Usage: "Store files on LionCloud block devices",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run a simulated device controller",
				Action: serve,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen",
						Usage:   "address to accept connections on",
						Value:   transport.DefaultAddress,
						EnvVars: []string{"LCLOUD_ADDR"},
					},
					devicesFlag(),
				},
			},
			{
				Name:      "copy",
				Usage:     "Store local files on the devices and verify them",
				Action:    copyFiles,
				ArgsUsage: "FILE [FILE...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Usage:   "address of the device controller",
						Value:   transport.DefaultAddress,
						EnvVars: []string{"LCLOUD_ADDR"},
					},
					&cli.IntFlag{
						Name:    "cache-blocks",
						Usage:   "number of blocks to keep in the cache",
						Value:   filesys.DefaultCacheBlocks,
						EnvVars: []string{"LCLOUD_CACHE_BLOCKS"},
					},
					&cli.BoolFlag{
						Name:  "grow-cache",
						Usage: "double the cache instead of evicting blocks when it's full",
					},
					&cli.BoolFlag{
						Name:  "report",
						Usage: "print a CSV table of the stored files",
					},
				},
			},
			{
				Name:   "devices",
				Usage:  "Print the simulated device table",
				Action: printDevices,
				Flags:  []cli.Flag{devicesFlag()},
			},
		},
	}
}

func devicesFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "devices",
		Usage:   "pipe-separated CSV table of devices with the columns device, sectors, and blocks",
		EnvVars: []string{"LCLOUD_DEVICES"},
	}
}
