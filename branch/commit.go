package branch

import (
	"github.com/t7a/weft/repository"
)

// CommitOptions fill in the new revision.  Zero values get defaults:
// a generated id, the configured committer, the current time.
type CommitOptions struct {
	Message    string
	RevisionID string
	Committer  string
	Timestamp  float64
	Timezone   int
	Properties map[string]string
	// Merges are extra parents after the tip.
	Merges []string
}

// Commit records a revision on top of the tip and appends it to the
// mainline.  build adds the tree's contents; paths it does not add are
// not in the new revision.
func (b *Branch) Commit(opts CommitOptions, build func(*repository.CommitBuilder) error) (revID string, err error) {
	err = b.files.WithWrite(func() error {
		tip, err := b.LastRevision()
		if err != nil {
			return err
		}
		parents := append([]string{tip}, opts.Merges...)
		cb, err := b.Repo.NewCommit(parents)
		if err != nil {
			return err
		}
		cb.RevisionID = opts.RevisionID
		cb.Committer = opts.Committer
		if cb.Committer == "" {
			cb.Committer = b.cfg.Email()
		}
		cb.Message = opts.Message
		cb.Timestamp = opts.Timestamp
		cb.Timezone = opts.Timezone
		for k, v := range opts.Properties {
			cb.Properties[k] = v
		}
		if _, ok := cb.Properties["branch-nick"]; !ok {
			cb.Properties["branch-nick"] = b.Nick()
		}
		if build != nil {
			err = build(cb)
			if err != nil {
				return err
			}
		}
		revID, err = cb.Commit()
		if err != nil {
			return err
		}
		return b.AppendRevision(revID)
	})
	return
}
