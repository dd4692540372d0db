package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"
	"github.com/localcomm/lcomm/common"
	"github.com/localcomm/lcomm/conf"
	"github.com/localcomm/lcomm/endpoint"
	log "github.com/localcomm/lcomm/logger"
)

type arguments struct {
	Service string        `help:"Service name to register for the benchmark" default:"lcbench-echo"`
	Sizes   []int         `help:"Payload sizes in bytes to sweep" default:"1024,65536,1048576,16777216"`
	Iters   int           `help:"Iterations per payload size" default:"50"`
	Warmup  int           `help:"Warm-up calls before measuring" default:"3"`
	Timeout time.Duration `help:"Per-call timeout" default:"5s"`
	Log     log.Config    `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()

	args := &arguments{}
	kong.Parse(args)
	if err := args.Log.Configure(); err != nil {
		logErrorAndExit(err.Error())
	}

	cfg, err := conf.Load()
	if err != nil {
		logErrorAndExit(err.Error())
	}
	cfg.CallTimeout = args.Timeout
	ep, err := endpoint.NewEndPointWithConfig(cfg)
	if err != nil {
		logErrorAndExit(err.Error())
	}
	defer ep.Close()

	if err := ep.CreateService(args.Service, func(request []byte) ([]byte, error) {
		return request, nil
	}); err != nil {
		logErrorAndExit(err.Error())
	}
	common.Go(ep.Spin)

	caller, err := ep.CreateServiceCaller(args.Service)
	if err != nil {
		logErrorAndExit(err.Error())
	}

	for i := 0; i < args.Warmup; i++ {
		payload := randomPayload(1024)
		if _, err := caller.Call(payload); err != nil {
			logErrorAndExit(fmt.Sprintf("warm-up call failed: %v", err))
		}
	}

	for _, size := range args.Sizes {
		payload := randomPayload(size)
		samples := make([]float64, 0, args.Iters)
		start := time.Now()
		for i := 0; i < args.Iters; i++ {
			callStart := time.Now()
			reply, err := caller.Call(payload)
			if err != nil {
				logErrorAndExit(fmt.Sprintf("call failed at size %d: %v", size, err))
			}
			if len(reply) != len(payload) {
				logErrorAndExit(fmt.Sprintf("echo mismatch at size %d: sent %d bytes, got %d", size, len(payload), len(reply)))
			}
			samples = append(samples, time.Since(callStart).Seconds())
		}
		elapsed := time.Since(start).Seconds()
		// Round trip moves the payload twice
		mbPerSec := float64(2*size*args.Iters) / (1024 * 1024) / elapsed
		pcts := percentiles(samples, 50, 95, 99)
		log.Infof("size %10d bytes: p50 %.3fms p95 %.3fms p99 %.3fms throughput %.1f MB/s",
			size, pcts[0]*1000, pcts[1]*1000, pcts[2]*1000, mbPerSec)
	}
}

func randomPayload(size int) []byte {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		logErrorAndExit(err.Error())
	}
	return payload
}

func percentiles(samples []float64, ps ...int) []float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	out := make([]float64, len(ps))
	for i, p := range ps {
		k := (p * (len(sorted) - 1)) / 100
		out[i] = sorted[k]
	}
	return out
}
