package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
	"github.com/newJimmyChu/lcloud"
	"github.com/newJimmyChu/lcloud/blockcache"
	c "github.com/newJimmyChu/lcloud/common"
	"github.com/newJimmyChu/lcloud/filesys"
	"github.com/newJimmyChu/lcloud/simulator"
	"github.com/newJimmyChu/lcloud/transport"
	"github.com/urfave/cli/v2"
)

func serve(ctx *cli.Context) error {
	geometries, err := simulator.LoadGeometryFile(ctx.String("devices"))
	if err != nil {
		return err
	}
	controller, err := simulator.NewController(geometries)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", ctx.String("listen"))
	if err != nil {
		return err
	}

	server := simulator.NewServer(controller, log.Default())
	for _, g := range geometries {
		log.Printf("device %d: %d sectors x %d blocks", g.Device, g.Sectors, g.Blocks)
	}

	signals, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-signals.Done()
		log.Print("shutting down")
		server.Close()
	}()

	err = server.Serve(listener)
	counters := controller.Counters()
	log.Printf(
		"served %d reads, %d writes, %d failures",
		counters.Reads,
		counters.Writes,
		counters.Failures)
	return err
}

// fileReportRow is a single row of the table printed by `copy --report`.
type fileReportRow struct {
	Path   string `csv:"path"`
	Head   string `csv:"head"`
	Length int64  `csv:"length"`
	Blocks int64  `csv:"blocks"`
}

func blocksForLength(length int64) int64 {
	if length == 0 {
		return 1
	}
	return (length + c.PayloadSize - 1) / c.PayloadSize
}

func copyFiles(ctx *cli.Context) error {
	paths := ctx.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("no files given")
	}

	policy := blockcache.EvictLRU
	if ctx.Bool("grow-cache") {
		policy = blockcache.GrowOnFull
	}

	client := transport.NewNetClient(ctx.String("addr"))
	defer client.Close()

	fs := filesys.New(client, filesys.Options{
		CacheBlocks: ctx.Int("cache-blocks"),
		Policy:      policy,
		Logger:      log.Default(),
	})

	var result error
	for _, path := range paths {
		err := storeAndVerify(fs, path)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			continue
		}
		log.Printf("stored %s", path)
	}

	files := fs.Files()
	err := fs.Shutdown()
	if err != nil {
		result = multierror.Append(result, err)
	}
	fmt.Fprintf(ctx.App.Writer, "cache: %s\n", fs.CacheStats())

	if ctx.Bool("report") {
		err = writeReport(ctx, files)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func storeAndVerify(fs *filesys.FileSystem, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	file, err := fs.OpenFile(path, lcloud.O_RDWR|lcloud.O_EXCL)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return err
	}

	_, err = file.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}
	var stored bytes.Buffer
	_, err = file.WriteTo(&stored)
	if err != nil {
		return err
	}
	if !bytes.Equal(data, stored.Bytes()) {
		return fmt.Errorf("verification failed: stored %d bytes, read back %d", len(data), stored.Len())
	}
	return nil
}

func writeReport(ctx *cli.Context, files []lcloud.FileInfo) error {
	rows := make([]fileReportRow, 0, len(files))
	for _, info := range files {
		rows = append(rows, fileReportRow{
			Path:   info.Path,
			Head:   info.Head.String(),
			Length: info.Length,
			Blocks: blocksForLength(info.Length),
		})
	}

	csvWriter := csv.NewWriter(ctx.App.Writer)
	csvWriter.Comma = '|'
	return gocsv.MarshalCSV(&rows, gocsv.NewSafeCSVWriter(csvWriter))
}

func printDevices(ctx *cli.Context) error {
	geometries, err := simulator.LoadGeometryFile(ctx.String("devices"))
	if err != nil {
		return err
	}
	return simulator.WriteGeometries(ctx.App.Writer, geometries)
}
