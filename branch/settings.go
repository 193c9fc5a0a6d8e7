package branch

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/t7a/weft/errs"
	"gopkg.in/yaml.v2"
)

const settingsFile = "branch.conf"

// Settings is the per-branch configuration kept in branch.conf.
type Settings struct {
	PushLocation        string `yaml:"push_location,omitempty"`
	SubmitLocation      string `yaml:"submit_location,omitempty"`
	PublicLocation      string `yaml:"public_location,omitempty"`
	Nickname            string `yaml:"nickname,omitempty"`
	StackedOnLocation   string `yaml:"stacked_on_location,omitempty"`
	AppendRevisionsOnly bool   `yaml:"append_revisions_only,omitempty"`
}

func (b *Branch) Settings() (s *Settings, err error) {
	err = b.files.WithRead(func() error {
		tx, err := b.files.Transaction()
		if err != nil {
			return err
		}
		if obj, ok := tx.Get("settings", ""); ok {
			s = obj.(*Settings)
			return nil
		}
		s = &Settings{}
		buf, err := b.files.GetBytes(settingsFile)
		if errs.IsKind(err, "NoSuchFile") {
			return nil
		}
		if err != nil {
			return err
		}
		err = yaml.Unmarshal(buf, s)
		if err != nil {
			return &errs.CorruptFile{Path: b.control.Base() + settingsFile, Msg: err.Error()}
		}
		tx.RegisterClean("settings", "", s, false)
		return nil
	})
	if s != nil {
		c := *s
		s = &c
	}
	return
}

func (b *Branch) SetSettings(s *Settings) error {
	return b.files.WithWrite(func() error {
		buf, err := yaml.Marshal(s)
		if err != nil {
			return errors.Wrap(err, "encode branch.conf")
		}
		err = b.files.PutBytes(settingsFile, buf)
		if err != nil {
			return err
		}
		tx, err := b.files.Transaction()
		if err != nil {
			return err
		}
		c := *s
		return tx.RegisterDirty("settings", "", &c)
	})
}

// readLocation reads a one-line location file; absent is "".
func (b *Branch) readLocation(name string) (loc string, err error) {
	err = b.files.WithRead(func() error {
		text, err := b.files.GetUTF8(name)
		if errs.IsKind(err, "NoSuchFile") {
			return nil
		}
		loc = strings.TrimSpace(text)
		return err
	})
	return
}

// writeLocation replaces a location file; "" removes it.
func (b *Branch) writeLocation(name, loc string) error {
	return b.files.WithWrite(func() error {
		if loc == "" {
			has, err := b.files.Has(name)
			if err != nil || !has {
				return err
			}
			return b.files.Delete(name)
		}
		return b.files.PutUTF8(name, loc+"\n")
	})
}

// Parent is where the branch was branched or pulled from, falling back
// to the legacy x-pull file.
func (b *Branch) Parent() (string, error) {
	loc, err := b.readLocation(parentFile)
	if err != nil || loc != "" {
		return loc, err
	}
	return b.readLocation(xPullFile)
}

func (b *Branch) SetParent(url string) error { return b.writeLocation(parentFile, url) }

// PullLocation is the last location pulled from.
func (b *Branch) PullLocation() (string, error) { return b.readLocation(pullFile) }

func (b *Branch) setPullLocation(url string) error { return b.writeLocation(pullFile, url) }

// PushLocation is the push_location setting.
func (b *Branch) PushLocation() (string, error) {
	s, err := b.Settings()
	if err != nil {
		return "", err
	}
	return s.PushLocation, nil
}

func (b *Branch) SetPushLocation(url string) error {
	return b.files.WithWrite(func() error {
		s, err := b.Settings()
		if err != nil {
			return err
		}
		s.PushLocation = url
		return b.SetSettings(s)
	})
}
