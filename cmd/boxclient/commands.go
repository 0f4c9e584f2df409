package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/getlantern/boxclient"
	"github.com/getlantern/boxclient/assets"
	"github.com/getlantern/boxclient/config"
	"github.com/getlantern/boxclient/engine"
	"github.com/getlantern/boxclient/ipc"
)

type testCmd struct {
	Path   string `arg:"positional,required" help:"config file (.json, .yaml or .yml)"`
	Daemon bool   `arg:"--daemon" help:"let the daemon run the check"`
}

func (c *testCmd) run(dataPath string) error {
	if c.Daemon {
		path, err := filepath.Abs(c.Path)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := ipc.TestConfig(ctx, path)
		if err != nil {
			return err
		}
		return report(res.Valid, res.Error)
	}
	cfg, err := config.LoadFile(c.Path)
	if err != nil {
		return err
	}
	mgr := assets.NewManager(filepath.Join(dataPath, "assets"))
	client := boxclient.NewClient(
		boxclient.WithAssets(mgr),
		boxclient.WithEngine(&engine.SingBox{AssetDir: mgr.Dir()}),
	)
	defer client.Destroy()
	ok, err := client.TestConfig(cfg)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return report(ok, msg)
}

func report(valid bool, msg string) error {
	if !valid {
		return fmt.Errorf("config is invalid: %s", msg)
	}
	fmt.Println("config is valid")
	return nil
}

type loadCmd struct {
	Path string `arg:"positional,required" help:"config file (.json, .yaml or .yml)"`
}

func (c *loadCmd) run() error {
	path, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	return withTimeout(func(ctx context.Context) error {
		return ipc.LoadConfig(ctx, path)
	})
}

type startCmd struct{}

type stopCmd struct{}

type statusCmd struct{}

func (c *statusCmd) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	status, err := ipc.GetStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("state:   %s\n", status.State)
	fmt.Printf("version: %s (%s)\n", status.Version, status.Engine)
	if status.LastError != "" {
		fmt.Printf("error:   %s\n", status.LastError)
	}
	return nil
}

type statsCmd struct {
	JSON bool `arg:"--json" help:"print as JSON"`
}

func (c *statsCmd) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	stats, err := ipc.GetStats(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(stats)
	}
	fmt.Printf("status:   %s\n", stats.Status)
	if stats.Uptime > 0 {
		fmt.Printf("uptime:   %s\n", stats.Uptime.Round(time.Second))
	}
	if stats.Traffic != nil {
		fmt.Printf("uplink:   %d bytes\n", stats.Traffic.Uplink)
		fmt.Printf("downlink: %d bytes\n", stats.Traffic.Downlink)
	}
	return nil
}

type linkCmd struct {
	Parse  *linkParseCmd  `arg:"subcommand:parse" help:"print the outbound config of a share link"`
	Export *linkExportCmd `arg:"subcommand:export" help:"print the share link of a config file's outbound"`
}

type linkParseCmd struct {
	Link string `arg:"positional,required" help:"vmess://, vless://, trojan:// or ss:// link"`
}

type linkExportCmd struct {
	Path   string `arg:"positional,required" help:"config file"`
	Remark string `arg:"--remark" help:"name shown by clients importing the link"`
}

func (c *linkCmd) run(p *arg.Parser) error {
	switch {
	case c.Parse != nil:
		out, remark, err := config.ParseShareLink(c.Parse.Link)
		if err != nil {
			return err
		}
		if remark != "" {
			fmt.Fprintf(os.Stderr, "remark: %s\n", remark)
		}
		return printJSON(out)
	case c.Export != nil:
		cfg, err := config.LoadFile(c.Export.Path)
		if err != nil {
			return err
		}
		if cfg.Outbound == nil {
			return fmt.Errorf("%s has no outbound", c.Export.Path)
		}
		link, err := config.ShareLink(cfg.Outbound, c.Export.Remark)
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	default:
		p.Fail("missing link subcommand")
		return nil
	}
}

type assetsCmd struct {
	List     *assetsListCmd     `arg:"subcommand:list" help:"list downloaded rule sets"`
	Download *assetsDownloadCmd `arg:"subcommand:download" help:"download rule sets"`
	Check    *assetsCheckCmd    `arg:"subcommand:check" help:"check rule sets for updates"`
	Delete   *assetsDeleteCmd   `arg:"subcommand:delete" help:"delete rule sets"`
}

type assetsListCmd struct{}

type assetsDownloadCmd struct {
	Names []string `arg:"positional,required" help:"rule set names, e.g. geoip-cn geosite-google"`
	URL   string   `arg:"--url" help:"download from this URL instead of the default (single name only)"`
}

type assetsCheckCmd struct {
	Names []string `arg:"positional" help:"rule set names; all downloaded ones if empty"`
}

type assetsDeleteCmd struct {
	Names []string `arg:"positional,required"`
}

func (c *assetsCmd) run(p *arg.Parser, dataPath string) error {
	mgr := assets.NewManager(filepath.Join(dataPath, "assets"))
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	switch {
	case c.List != nil:
		infos, err := mgr.All()
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%-30s %10d  %s\n", info.Name, info.Size, info.ModTime.Format(time.RFC3339))
		}
		return nil
	case c.Download != nil:
		if c.Download.URL != "" && len(c.Download.Names) != 1 {
			return fmt.Errorf("--url needs exactly one name")
		}
		for _, name := range c.Download.Names {
			err := mgr.Download(ctx, name, c.Download.URL, func(downloaded, total int64) {
				if total > 0 {
					fmt.Fprintf(os.Stderr, "\r%s: %d%%", name, downloaded*100/total)
				}
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
		}
		return nil
	case c.Check != nil:
		names := c.Check.Names
		if len(names) == 0 {
			infos, err := mgr.All()
			if err != nil {
				return err
			}
			for _, info := range infos {
				names = append(names, info.Name)
			}
		}
		for _, name := range names {
			outdated, err := mgr.CheckUpdate(ctx, name, "")
			if err != nil {
				return err
			}
			state := "up to date"
			if outdated {
				state = "update available"
			}
			fmt.Printf("%s: %s\n", name, state)
		}
		return nil
	case c.Delete != nil:
		for _, name := range c.Delete.Names {
			if err := mgr.Delete(name); err != nil {
				return err
			}
		}
		return nil
	default:
		p.Fail("missing assets subcommand")
		return nil
	}
}

type versionCmd struct{}

func (c *versionCmd) run() error {
	fmt.Println(boxclient.BuildVersion())
	fmt.Println((&engine.SingBox{}).Version())
	return nil
}
