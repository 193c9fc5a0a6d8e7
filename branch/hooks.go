package branch

import (
	log "github.com/sirupsen/logrus"
)

// ChangeTipParams describes a tip change to the hooks.
type ChangeTipParams struct {
	Branch   *Branch
	OldRevno int
	OldRevID string
	NewRevno int
	NewRevID string
}

// Hooks are owned by one open branch.  A PreChangeTip hook vetoes the
// change by returning an error, usually errs.TipChangeRejected; the
// history is then left alone.
type Hooks struct {
	PreChangeTip  []func(*ChangeTipParams) error
	PostChangeTip []func(*ChangeTipParams)
}

func (h *Hooks) runPre(p *ChangeTipParams) error {
	for _, f := range h.PreChangeTip {
		if err := f(p); err != nil {
			log.Debugf("%s: tip change %s -> %s vetoed: %v", p.Branch, p.OldRevID, p.NewRevID, err)
			return err
		}
	}
	return nil
}

func (h *Hooks) runPost(p *ChangeTipParams) {
	for _, f := range h.PostChangeTip {
		f(p)
	}
}
