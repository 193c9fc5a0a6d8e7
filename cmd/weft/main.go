package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/docopt/docopt-go"
	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/weft"
	"github.com/t7a/weft/config"
	"github.com/t7a/weft/repository"
)

func init() {
	weft.SetupLogging(false)
}

const usage = `weft

Usage:
  weft init [-d <branch>] [--format=<name>]
  weft snapshot [-d <branch>] [-m <message>] [--id=<revid>] [--date=<unix>] <tree>
  weft revno [-d <branch>]
  weft log [-d <branch>]
  weft cat [-d <branch>] [-r <revno>] <path>
  weft annotate [-d <branch>] [-r <revno>] <path>
  weft inventory [-d <branch>] [-r <revno>]
  weft missing [-d <branch>] <other>
  weft pull [-d <branch>] [--overwrite] [<from>]
  weft push [-d <branch>] [--overwrite] [<to>]
  weft check [-d <branch>]
  weft upgrade [-d <branch>] [--format=<name>]
  weft serve [-d <branch>] [--port=<port>] [--ws]

Options:
  -h --help          Show this screen.
  --version          Show version.
  -d <branch>        Branch location, a path or URL [default: .]
  -r <revno>         Revision number; the tip when absent.
  -m <message>       Commit message [default: snapshot]
  --id=<revid>       Revision id; generated when absent.
  --date=<unix>      Commit time in seconds since the epoch.
  --format=<name>    Branch format: 5, 6 or 7 [default: 6]
  --overwrite        Replace a diverged mainline.
  --port=<port>      Port to listen on [default: 4155]
  --ws               Serve websockets instead of plain TCP.
`

type Opts struct {
	Init      bool
	Snapshot  bool
	Revno     bool
	Log       bool
	Cat       bool
	Annotate  bool
	Inventory bool
	Missing   bool
	Pull      bool
	Push      bool
	Check     bool
	Upgrade   bool
	Serve     bool
	Dir       string `docopt:"-d"`
	Rev       string `docopt:"-r"`
	Message   string `docopt:"-m"`
	ID        string `docopt:"--id"`
	Date      string `docopt:"--date"`
	Format    string `docopt:"--format"`
	Overwrite bool   `docopt:"--overwrite"`
	Port      string `docopt:"--port"`
	Ws        bool   `docopt:"--ws"`
	Tree      string `docopt:"<tree>"`
	Path      string `docopt:"<path>"`
	Other     string `docopt:"<other>"`
	From      string `docopt:"<from>"`
	To        string `docopt:"<to>"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() int {
	rc, msg := Run(os.Args[1:])
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
	}
	return rc
}

func Run(args []string) (rc int, msg string) {
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{HelpHandler: docopt.PrintHelpOnly, OptionsFirst: false}
	o, err := parser.ParseArgs(usage, args, "0.1")
	if err != nil {
		return 22, ""
	}
	var opts Opts
	err = o.Bind(&opts)
	Ck(err)
	log.Debug(opts)

	cfg, err := config.Load()
	if err != nil {
		return 78, "weft: " + err.Error()
	}
	log.SetLevel(cfg.Level())
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := &cli{opts: opts, cfg: cfg}
	switch true {
	case opts.Init:
		err = c.init()
	case opts.Snapshot:
		err = c.snapshot()
	case opts.Revno:
		err = c.revno()
	case opts.Log:
		err = c.log()
	case opts.Cat:
		err = c.cat()
	case opts.Annotate:
		err = c.annotate()
	case opts.Inventory:
		err = c.inventory()
	case opts.Missing:
		err = c.missing()
	case opts.Pull:
		err = c.pull(ctx)
	case opts.Push:
		err = c.push(ctx)
	case opts.Check:
		err = c.check()
	case opts.Upgrade:
		err = c.upgrade()
	case opts.Serve:
		err = c.serve(ctx)
	}
	if err != nil {
		return 42, "weft: " + err.Error()
	}
	return c.rc, ""
}

type cli struct {
	opts Opts
	cfg  *config.Config
	rc   int
}

func (c *cli) format() (*repository.Format, error) {
	return repository.FormatByName(c.opts.Format)
}

// revno parses -r; 0 means the tip.
func (c *cli) revnoOpt() (int, error) {
	if c.opts.Rev == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.opts.Rev)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad revision number %q", c.opts.Rev)
	}
	return n, nil
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}
