package repository

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/errs"
	"github.com/t7a/weft/store"
	"github.com/t7a/weft/transport"
)

func formatIndex(f *Format) int {
	for i, x := range Formats {
		if x == f {
			return i
		}
	}
	return -1
}

// Upgrade converts the control directory t one format at a time until
// it reaches to.  It returns the format it started from.  Nothing else
// may use the directory meanwhile.
func Upgrade(t transport.Transport, to *Format, opts *Options) (from *Format, err error) {
	marker, err := ReadMarker(t)
	if err != nil {
		return
	}
	from, err = FormatFromMarker(marker)
	if err != nil {
		return
	}
	if formatIndex(from) >= formatIndex(to) {
		return from, &errs.UnsupportedFormat{Format: to.Name, Msg: "already at format " + from.Name}
	}
	for i := formatIndex(from) + 1; i <= formatIndex(to); i++ {
		next := Formats[i]
		log.Infof("upgrading %s to format %s", t.Base(), next.Name)
		switch next {
		case Format5:
			err = upgradeTo5(t)
		case Format6:
			err = upgradeTo6(t, opts)
		case Format7:
			// rich roots only change what new commits write
			err = t.PutBytes(FormatFile, []byte(Format7.Marker))
		}
		if err != nil {
			return from, errors.Wrapf(err, "upgrade to format %s", next.Name)
		}
	}
	return
}

// upgradeTo5 makes a legacy directory writable: same layout, plus a
// lock file.
func upgradeTo5(t transport.Transport) error {
	has, err := t.Has(LockName)
	if err != nil {
		return err
	}
	if !has {
		err = t.PutBytes(LockName, nil)
		if err != nil {
			return err
		}
	}
	return t.PutBytes(FormatFile, []byte(Format5.Marker))
}

// upgradeTo6 copies the flat stores into prefixed ones, swaps them in
// and replaces the lock file with a lock directory.
func upgradeTo6(t transport.Transport, opts *Options) (err error) {
	old, err := open(t, Format5, opts)
	if err != nil {
		return
	}
	staged := map[string]string{
		revisionStore: revisionStore + ".new",
		weavesDir:     weavesDir + ".new",
	}
	err = old.files.WithWrite(func() error {
		for _, dir := range staged {
			if err := t.Mkdir(dir); err != nil {
				return err
			}
		}
		revsT, err := t.Clone(staged[revisionStore])
		if err != nil {
			return err
		}
		revs := store.NewTextStore(revsT, true, true)
		err = revs.RegisterSuffix(sigSuffix)
		if err != nil {
			return err
		}
		n, err := store.CopyAll(revs, old.revs)
		if err != nil {
			return err
		}
		weavesT, err := t.Clone(staged[weavesDir])
		if err != nil {
			return err
		}
		m, err := store.CopyAll(store.NewWeaveStore(weavesT, true).Text(), old.texts.Text())
		if err != nil {
			return err
		}
		log.Infof("copied %d revisions and %d weaves", n, m)
		return nil
	})
	if err != nil {
		return
	}
	for dir, next := range staged {
		err = t.Rename(dir, dir+".old")
		if err != nil {
			return
		}
		err = t.Rename(next, dir)
		if err != nil {
			return
		}
		err = RemoveTree(t, dir+".old")
		if err != nil {
			return
		}
	}
	err = t.Delete(LockName)
	if err != nil {
		return
	}
	err = Format6.NewLockable(t, opts).CreateLock()
	if err != nil {
		return
	}
	return t.PutBytes(FormatFile, []byte(Format6.Marker))
}

// RemoveTree deletes relpath and everything below it.
func RemoveTree(t transport.Transport, relpath string) error {
	names, err := t.ListDir(relpath)
	if err != nil {
		return err
	}
	for _, name := range names {
		p := relpath + "/" + name
		st, err := t.Stat(p)
		if err != nil {
			return err
		}
		if st.IsDir {
			err = RemoveTree(t, p)
		} else {
			err = t.Delete(p)
		}
		if err != nil {
			return err
		}
	}
	return t.Rmdir(relpath)
}
