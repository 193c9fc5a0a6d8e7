package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft"
	"github.com/t7a/weft/branch"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/fetch"
	"github.com/t7a/weft/inventory"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/smart"
	"github.com/t7a/weft/transport"
)

func (c *cli) open() (*branch.Branch, error) {
	b, err := weft.Open(c.opts.Dir, c.cfg)
	if err != nil {
		return nil, err
	}
	b.Progress = progress
	return b, nil
}

func progress(p fetch.Progress) {
	log.Debugf("fetch %s: %d/%d %s", p.State, p.Done, p.Total, p.Revision)
}

// release closes the connection behind a remote branch.
func release(t branch.Target) {
	if cl, ok := t.(io.Closer); ok {
		cl.Close()
	}
}

// locked runs f with b read-locked.
func locked(b *branch.Branch, f func() error) (err error) {
	err = b.LockRead()
	if err != nil {
		return
	}
	defer func() {
		uerr := b.Unlock()
		if err == nil {
			err = uerr
		}
	}()
	return f()
}

// revID picks the -r revision, or the tip.
func (c *cli) revID(b *branch.Branch) (string, error) {
	n, err := c.revnoOpt()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return b.LastRevision()
	}
	return b.RevID(n)
}

func (c *cli) init() error {
	f, err := c.format()
	if err != nil {
		return err
	}
	b, err := weft.InitBranch(c.opts.Dir, f, c.cfg)
	if err != nil {
		return err
	}
	fmt.Printf("created format %s branch at %s\n", f.Name, b)
	return nil
}

// snapshot commits the plain directory tree as the next revision.
func (c *cli) snapshot() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	opts := branch.CommitOptions{Message: c.opts.Message, RevisionID: c.opts.ID}
	if c.opts.Date != "" {
		opts.Timestamp, err = strconv.ParseFloat(c.opts.Date, 64)
		if err != nil {
			return fmt.Errorf("bad date %q", c.opts.Date)
		}
	}
	root := filepath.Clean(c.opts.Tree)
	id, err := b.Commit(opts, func(cb *repository.CommitBuilder) error {
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil || rel == "." {
				return err
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() && d.Name() == branch.ControlDir {
				return filepath.SkipDir
			}
			err = cb.AddDirs(rel)
			if err != nil {
				return err
			}
			switch {
			case d.IsDir():
				if _, ok := cb.Inventory().PathToID(rel); ok {
					return nil
				}
				return cb.Add(rel, inventory.Directory, nil, false)
			case d.Type()&fs.ModeSymlink != 0:
				target, err := os.Readlink(p)
				if err != nil {
					return err
				}
				return cb.Add(rel, inventory.Symlink, []byte(target), false)
			case d.Type().IsRegular():
				buf, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				info, err := d.Info()
				if err != nil {
					return err
				}
				return cb.Add(rel, inventory.File, buf, info.Mode()&0111 != 0)
			}
			log.Warnf("skipping %s: not a file, directory or symlink", p)
			return nil
		})
	})
	if err != nil {
		return err
	}
	revno, err := b.Revno()
	if err != nil {
		return err
	}
	fmt.Printf("committed revno %d (%s)\n", revno, id)
	return nil
}

func (c *cli) revno() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	n, err := b.Revno()
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func (c *cli) log() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	return locked(b, func() error {
		hist, err := b.RevisionHistory()
		if err != nil {
			return err
		}
		for i := len(hist) - 1; i >= 0; i-- {
			rev, err := b.Repo.GetRevision(hist[i])
			if err != nil {
				return err
			}
			fmt.Println(strings.Repeat("-", 60))
			fmt.Printf("revno: %d\n", i+1)
			fmt.Printf("revision-id: %s\n", rev.ID)
			if len(rev.ParentIDs) > 1 {
				fmt.Printf("merged: %s\n", strings.Join(rev.ParentIDs[1:], " "))
			}
			fmt.Printf("committer: %s\n", rev.Committer)
			if nick := rev.Properties["branch-nick"]; nick != "" {
				fmt.Printf("branch nick: %s\n", nick)
			}
			fmt.Printf("timestamp: %s\n", rev.Time().Format("Mon 2006-01-02 15:04:05 -0700"))
			fmt.Println("message:")
			for _, line := range strings.Split(strings.TrimRight(rev.Message, "\n"), "\n") {
				fmt.Printf("  %s\n", line)
			}
		}
		return nil
	})
}

// fileAt resolves path in the chosen revision.
func (c *cli) fileAt(b *branch.Branch) (fileID, revID string, err error) {
	revID, err = c.revID(b)
	if err != nil {
		return
	}
	inv, err := b.Repo.GetInventory(revID)
	if err != nil {
		return
	}
	fileID, ok := inv.PathToID(c.opts.Path)
	if !ok {
		return "", "", &errs.NoSuchFile{Path: c.opts.Path, Extra: "in revision " + revID}
	}
	return
}

func (c *cli) cat() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	return locked(b, func() error {
		fileID, revID, err := c.fileAt(b)
		if err != nil {
			return err
		}
		text, err := b.Repo.GetFileText(fileID, revID)
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	})
}

func (c *cli) annotate() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	return locked(b, func() error {
		fileID, revID, err := c.fileAt(b)
		if err != nil {
			return err
		}
		lines, err := b.Repo.Annotate(fileID, revID)
		if err != nil {
			return err
		}
		width := 0
		for _, l := range lines {
			if len(l.Origin) > width {
				width = len(l.Origin)
			}
		}
		for _, l := range lines {
			fmt.Printf("%-*s | %s\n", width, l.Origin, strings.TrimSuffix(l.Line, "\n"))
		}
		return nil
	})
}

func (c *cli) inventory() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	return locked(b, func() error {
		revID, err := c.revID(b)
		if err != nil {
			return err
		}
		inv, err := b.Repo.GetInventory(revID)
		if err != nil {
			return err
		}
		for _, pe := range inv.Entries() {
			switch pe.Entry.Kind {
			case inventory.Directory:
				fmt.Println(pe.Path + "/")
			case inventory.Symlink:
				fmt.Println(pe.Path + " -> " + pe.Entry.SymlinkTarget)
			default:
				fmt.Println(pe.Path)
			}
		}
		return nil
	})
}

func (c *cli) missing() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	other, err := weft.OpenBranch(c.opts.Other, c.cfg)
	if err != nil {
		return err
	}
	defer release(other)
	ids, err := b.MissingRevisions(other, -1)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("branches are up to date")
		return nil
	}
	fmt.Printf("%s to pull:\n", plural(len(ids), "revision"))
	for _, id := range ids {
		fmt.Println("  " + id)
	}
	return nil
}

func (c *cli) pull(ctx context.Context) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	from := c.opts.From
	if from == "" {
		from, err = b.Parent()
		if err != nil {
			return err
		}
		if from == "" {
			return fmt.Errorf("no location to pull from")
		}
	}
	src, err := weft.OpenBranch(from, c.cfg)
	if err != nil {
		return err
	}
	defer release(src)
	res, err := b.Pull(ctx, src, c.opts.Overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("pulled %s, now at revno %d\n", plural(res.Fetched, "revision"), res.NewRevno)
	return nil
}

func (c *cli) push(ctx context.Context) error {
	b, err := c.open()
	if err != nil {
		return err
	}
	to := c.opts.To
	if to == "" {
		to, err = b.PushLocation()
		if err != nil {
			return err
		}
		if to == "" {
			return fmt.Errorf("no location to push to")
		}
	}
	target, err := weft.OpenBranch(to, c.cfg)
	if err != nil {
		return err
	}
	defer release(target)
	res, err := b.Push(ctx, target, c.opts.Overwrite)
	if err != nil {
		return err
	}
	if loc, _ := b.PushLocation(); loc == "" {
		err = b.SetPushLocation(to)
		if err != nil {
			return err
		}
	}
	fmt.Printf("pushed %s, %s now at revno %d\n", plural(res.Fetched, "revision"), to, res.NewRevno)
	return nil
}

func (c *cli) check() error {
	b, err := c.open()
	if err != nil {
		return err
	}
	res, err := b.Repo.Check(func(done, total int) {
		log.Debugf("checked %d/%d revisions", done, total)
	})
	if err != nil {
		return err
	}
	fmt.Printf("checked %s, %s, %s\n",
		plural(res.Revisions, "revision"), plural(res.Texts, "text"), plural(res.Weaves, "weave"))
	for _, g := range res.Ghosts {
		fmt.Printf("ghost: %s\n", g)
	}
	for _, p := range res.Problems {
		fmt.Printf("problem: %s\n", p)
	}
	if len(res.Problems) > 0 {
		c.rc = 3
	}
	return nil
}

func (c *cli) upgrade() error {
	to, err := c.format()
	if err != nil {
		return err
	}
	t, err := transport.Get(c.opts.Dir)
	if err != nil {
		return err
	}
	ct, err := t.Clone(branch.ControlDir)
	if err != nil {
		return err
	}
	opts := &repository.Options{LockTimeout: c.cfg.LockTimeout(), User: c.cfg.Email(), CacheSize: c.cfg.Cache.Size}
	from, err := repository.Upgrade(ct, to, opts)
	if err != nil {
		return err
	}
	fmt.Printf("upgraded %s from format %s to %s\n", t.Base(), from.Name, to.Name)
	return nil
}

// serve exports the directory until interrupted.
func (c *cli) serve(ctx context.Context) error {
	root, err := transport.Get(c.opts.Dir)
	if err != nil {
		return err
	}
	srv := smart.NewServer(root, c.cfg)
	addr := ":" + c.opts.Port
	if c.opts.Ws {
		mux := http.NewServeMux()
		mux.Handle(smart.WebsocketPath, srv)
		hs := &http.Server{Addr: addr, Handler: mux}
		go func() {
			<-ctx.Done()
			hs.Close()
		}()
		log.Infof("serving %s over websockets on %s", srv.Root(), addr)
		err = hs.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	log.Infof("serving %s on %s", srv.Root(), addr)
	err = srv.Serve(ctx, l)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
