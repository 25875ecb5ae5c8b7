// Command r2ctl is a CLI front end over the Supervisor and the broker it
// manages: configure credentials, start/stop the broker, and drive
// transfers with a progress bar instead of a desktop shell.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/cloudflare-r2-browser/core/client"
	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/credstore"
	"github.com/cloudflare-r2-browser/core/supervisor"
)

var sup *supervisor.Supervisor

func main() {
	app := cli.NewApp()
	app.Name = "r2ctl"
	app.Usage = "control the R2 object storage broker"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "broker-path", Usage: "path to the r2brokerd binary", Value: defaultBrokerPath()},
		cli.StringFlag{Name: "run-dir", Usage: "directory for the broker's log and pidfile", Value: defaultRunDir()},
	}
	app.Before = func(c *cli.Context) error {
		sup = supervisor.New(c.String("broker-path"), c.String("run-dir"), cmn.Defaults())
		return nil
	}
	app.Commands = []cli.Command{
		loginCmd,
		logoutCmd,
		startCmd,
		stopCmd,
		statusCmd,
		lsCmd,
		putCmd,
		getCmd,
		rmCmd,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "r2ctl:", err)
		os.Exit(1)
	}
}

func defaultRunDir() string {
	dir, err := cmn.SettingsDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "run")
}

func defaultBrokerPath() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "r2brokerd")
	}
	return "r2brokerd"
}

var loginCmd = cli.Command{
	Name:      "login",
	Usage:     "save R2 credentials",
	ArgsUsage: "ACCOUNT_ID ACCESS_KEY_ID SECRET_ACCESS_KEY",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.NewExitError("login requires ACCOUNT_ID ACCESS_KEY_ID SECRET_ACCESS_KEY", 1)
		}
		dir, err := cmn.SettingsDir()
		if err != nil {
			return err
		}
		store := credstore.New(dir)
		creds, err := store.Save(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
		if err != nil {
			return err
		}
		fmt.Printf("saved credentials for account %s, endpoint %s\n", creds.AccountID, creds.Endpoint)
		if sup.GetStatus().Running {
			// The broker only loads credentials at construction time; restart
			// it so the new ones take effect immediately.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sup.Restart(ctx); err != nil {
				return fmt.Errorf("credentials saved, but restarting the broker failed: %w", err)
			}
			fmt.Println("broker restarted with new credentials")
		}
		return nil
	},
}

var logoutCmd = cli.Command{
	Name:  "logout",
	Usage: "clear saved R2 credentials",
	Action: func(c *cli.Context) error {
		dir, err := cmn.SettingsDir()
		if err != nil {
			return err
		}
		if err := credstore.New(dir).Clear(); err != nil {
			return err
		}
		fmt.Println("credentials cleared")
		return nil
	},
}

var startCmd = cli.Command{
	Name:  "start",
	Usage: "start the broker",
	Action: func(c *cli.Context) error {
		if err := sup.Start(context.Background()); err != nil {
			return err
		}
		status := sup.GetStatus()
		fmt.Printf("broker running on port %d (pid %d)\n", status.Port, status.PID)
		return nil
	},
}

var stopCmd = cli.Command{
	Name:  "stop",
	Usage: "stop the broker",
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sup.Stop(ctx)
	},
}

var statusCmd = cli.Command{
	Name:  "status",
	Usage: "report the broker's run status",
	Action: func(c *cli.Context) error {
		status := sup.GetStatus()
		if !status.Running {
			fmt.Println("broker not running")
			return nil
		}
		fmt.Printf("running: port=%d pid=%d uptime=%s\n", status.Port, status.PID, time.Since(status.StartedAt).Round(time.Second))
		return nil
	},
}

func newClient() (*client.Client, error) {
	status := sup.GetStatus()
	if !status.Running {
		return nil, fmt.Errorf("broker is not running; run 'r2ctl start' first")
	}
	return client.New(status.Port), nil
}

var lsCmd = cli.Command{
	Name:      "ls",
	Usage:     "list objects under a prefix",
	ArgsUsage: "BUCKET [PREFIX]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.NewExitError("ls requires BUCKET", 1)
		}
		cl, err := newClient()
		if err != nil {
			return err
		}
		page, err := cl.ListObjects(c.Args().Get(0), c.Args().Get(1))
		if err != nil {
			return err
		}
		for _, prefix := range page.CommonPrefixes {
			fmt.Printf("%s/\n", prefix)
		}
		for _, obj := range page.Objects {
			fmt.Printf("%10d  %s\n", obj.Size, obj.Key)
		}
		return nil
	},
}

var putCmd = cli.Command{
	Name:      "put",
	Usage:     "upload a local file, showing a progress bar",
	ArgsUsage: "BUCKET KEY LOCAL_PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.NewExitError("put requires BUCKET KEY LOCAL_PATH", 1)
		}
		cl, err := newClient()
		if err != nil {
			return err
		}
		task, err := cl.EnqueueUpload(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
		if err != nil {
			return err
		}
		return runWithProgress(cl, task)
	},
}

var getCmd = cli.Command{
	Name:      "get",
	Usage:     "download an object, showing a progress bar",
	ArgsUsage: "BUCKET KEY LOCAL_PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.NewExitError("get requires BUCKET KEY LOCAL_PATH", 1)
		}
		cl, err := newClient()
		if err != nil {
			return err
		}
		task, err := cl.EnqueueDownload(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
		if err != nil {
			return err
		}
		return runWithProgress(cl, task)
	},
}

var rmCmd = cli.Command{
	Name:      "rm",
	Usage:     "delete an object or, with -r, a prefix",
	ArgsUsage: "BUCKET KEY",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "r", Usage: "delete every object under KEY treated as a prefix"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("rm requires BUCKET KEY", 1)
		}
		cl, err := newClient()
		if err != nil {
			return err
		}
		prefix := ""
		key := c.Args().Get(1)
		if c.Bool("r") {
			prefix, key = key, ""
		}
		task, err := cl.EnqueueDelete(c.Args().Get(0), key, prefix)
		if err != nil {
			return err
		}
		return runWithProgress(cl, task)
	},
}

// runWithProgress polls the task until it reaches a terminal status,
// rendering a progress bar sized to the task's total work.
func runWithProgress(cl *client.Client, task client.Task) error {
	progress := mpb.New(mpb.WithWidth(64))
	total := task.TotalSize
	if task.Type == "DELETE" {
		total = task.TotalCount
	}
	if total == 0 {
		total = 1
	}
	bar := progress.AddBar(total,
		mpb.PrependDecorators(decor.Name(task.Key, decor.WC{W: len(task.Key) + 1})),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncWidth)),
	)

	last := int64(0)
	for {
		t, err := cl.GetTask(task.ID)
		if err != nil {
			return err
		}
		// A recursive delete's true key count is only known once its
		// listing pass finishes; resize the bar when it arrives.
		if task.Type == "DELETE" && t.TotalCount > 0 && t.TotalCount != total {
			bar.SetTotal(t.TotalCount, false)
			total = t.TotalCount
		}
		bar.IncrBy(int(t.Transferred - last))
		last = t.Transferred
		if t.Status == "COMPLETED" {
			bar.SetTotal(total, true)
			progress.Wait()
			fmt.Println("done")
			return nil
		}
		if t.Status == "FAILED" || t.Status == "CANCELLED" {
			progress.Wait()
			return fmt.Errorf("task %s: %s", t.Status, t.Error)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
