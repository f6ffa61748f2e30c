// zimfarm-worker is the task-worker process: one invocation reserves (or
// is handed) a single task and runs its container pipeline to completion.
// Each task-worker runs in its own process.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/kiwix/zimfarm-go/internal/config"
	"github.com/kiwix/zimfarm-go/internal/containerrt"
	"github.com/kiwix/zimfarm-go/internal/orchestrator"
	"github.com/kiwix/zimfarm-go/internal/worker"
	"github.com/kiwix/zimfarm-go/internal/workerclient"
)

func main() {
	defer glog.Flush()

	app := cli.NewApp()
	app.Name = "zimfarm-worker"
	app.Usage = "run one zimfarm task's container pipeline"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "task-id", Usage: "reserve and run this specific requested task"},
		cli.DurationFlag{Name: "poll-interval", Value: 5 * time.Second, Usage: "how often to poll for a match when task-id is empty"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Fatalf("worker: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.LoadWorker()
	token := os.Getenv("ZIMFARM_TOKEN")

	client := workerclient.New(cfg.DispatcherURL, token)
	rt, err := containerrt.New(cfg.DockerSocket)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	advertiser := worker.NewResourceAdvertiser(rt, worker.Capacity{CPU: cfg.CPU, Memory: cfg.Memory, Disk: cfg.Disk})

	taskID := c.String("task-id")
	if taskID == "" {
		taskID, err = reserveLoop(ctx, client, advertiser, cfg, c.Duration("poll-interval"))
		if err != nil {
			return err
		}
	}

	orch := orchestrator.New(rt, client, orchestrator.Config{
		WorkDirRoot:         cfg.WorkDirRoot,
		DNSCacheImage:       cfg.DNSCacheImage,
		LogUploaderImage:    cfg.LogUploaderImage,
		UploaderImage:       cfg.UploaderImage,
		WarehouseURI:        cfg.UploadURI,
		SupervisionInterval: cfg.SupervisionInterval,
		CanceledBy:          cfg.Username,
	})
	return orch.Run(ctx, taskID)
}

// reserveLoop polls the dispatcher's pull-reservation endpoint until a
// task is handed to this worker. Advertised resources are capacity net
// of whatever zimfarm-labeled containers are already running on this
// host, not raw configured capacity, so a worker mid-task doesn't
// advertise room it no longer has.
func reserveLoop(ctx context.Context, client *workerclient.HTTPClient, advertiser *worker.ResourceAdvertiser, cfg config.Worker, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		avail, err := advertiser.Available(ctx)
		if err != nil {
			glog.Warningf("worker: resource accounting failed, advertising full capacity: %v", err)
			avail = worker.Available{CPU: cfg.CPU, Memory: cfg.Memory, Disk: cfg.Disk}
		}
		candidates, err := client.Poll(ctx, workerclient.PollOptions{
			CPU: avail.CPU, Memory: avail.Memory, Disk: avail.Disk,
			Offliners: cfg.Offliners, Queues: cfg.Queues, Limit: 5,
		})
		if err != nil {
			glog.Warningf("worker: poll failed: %v", err)
		}
		for _, rt := range candidates {
			t, err := client.Reserve(ctx, rt.ID, cfg.Username)
			if err == nil {
				return t.ID, nil
			}
			glog.Warningf("worker: reserve %s failed: %v", rt.ID, err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		glog.Warningf("worker: received shutdown signal, canceling")
		cancel()
	}()
	return ctx, cancel
}
