// Package exchange performs the card exchange with a selected member: poke
// them, take their group card and, when the bot may, give them one of the
// bot's own names.
package exchange

import (
	"context"
	"fmt"

	"duoshe/internal/randx"
	logx "duoshe/pkg/logx"
)

// Step names one external call of an exchange.
type Step string

const (
	StepPoke       Step = "poke"
	StepReadTarget Step = "read_target_card"
	StepCheckRole  Step = "check_privilege"
	StepReadSelf   Step = "read_self_card"
	StepSetSelf    Step = "set_self_card"
	StepSetTarget  Step = "set_target_card"
)

// Target is the member chosen for one run.
type Target struct {
	GroupID string
	UserID  string
}

// Identity is who the bot is and which names it hands out.
type Identity struct {
	SelfID   string
	Nickname string
	Aliases  []string
}

type Poker interface {
	PokeUser(ctx context.Context, groupID, userID string) error
}

type CardReader interface {
	GetGroupCard(ctx context.Context, groupID, userID string) (string, error)
}

type CardWriter interface {
	SetGroupCard(ctx context.Context, groupID, userID, card string) error
}

type PrivilegeChecker interface {
	HasElevatedPrivilege(ctx context.Context, groupID string) (bool, error)
}

// ControlPlane is everything an exchange needs. *napcat.Client satisfies it.
type ControlPlane interface {
	Poker
	CardReader
	CardWriter
	PrivilegeChecker
}

// StepError reports which step of an exchange failed.
type StepError struct {
	Step    Step
	GroupID string
	UserID  string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("exchange %s in group %s (user %s): %v", e.Step, e.GroupID, e.UserID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result records what an exchange did. It is filled in as far as the
// exchange got, also when it returns an error.
type Result struct {
	Poked      bool
	TargetCard string
	Privileged bool
	// PreviousCard is the bot's own card before the exchange; only read
	// when privileged.
	PreviousCard string
	SelfCardSet  bool
	// GivenCard is the card set on the target, "" when none was.
	GivenCard string
}

// Orchestrator runs exchanges. It holds no per-run state and may be shared.
type Orchestrator struct {
	cp   ControlPlane
	rand randx.Source
	log  logx.Logger
}

func New(cp ControlPlane, src randx.Source, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{cp: cp, rand: src, log: log}
}

// Run performs one exchange with t. Any failing step aborts the rest; a
// failed privilege query only means the bot is treated as unprivileged.
// Nothing is retried.
func (o *Orchestrator) Run(ctx context.Context, t Target, id Identity) (Result, error) {
	var res Result
	log := o.log.With(logx.String("group_id", t.GroupID), logx.String("user_id", t.UserID))
	fail := func(step Step, err error) (Result, error) {
		return res, &StepError{Step: step, GroupID: t.GroupID, UserID: t.UserID, Err: err}
	}

	if err := o.cp.PokeUser(ctx, t.GroupID, t.UserID); err != nil {
		return fail(StepPoke, err)
	}
	res.Poked = true

	card, err := o.cp.GetGroupCard(ctx, t.GroupID, t.UserID)
	if err != nil {
		return fail(StepReadTarget, err)
	}
	res.TargetCard = card

	privileged, err := o.cp.HasElevatedPrivilege(ctx, t.GroupID)
	if err != nil {
		log.Warn("privilege query failed; treating as member", logx.Err(err))
		privileged = false
	}
	res.Privileged = privileged

	if privileged {
		prev, err := o.cp.GetGroupCard(ctx, t.GroupID, id.SelfID)
		if err != nil {
			return fail(StepReadSelf, err)
		}
		res.PreviousCard = prev
	}

	if err := o.cp.SetGroupCard(ctx, t.GroupID, id.SelfID, card); err != nil {
		return fail(StepSetSelf, err)
	}
	res.SelfCardSet = true
	log.Debug("self card set", logx.String("card", card))

	if !privileged {
		return res, nil
	}

	candidates := CardCandidates(id, res.PreviousCard)
	if len(candidates) == 0 {
		log.Warn("no card to give the target; skipping")
		return res, nil
	}
	given := candidates[o.rand.IntN(len(candidates))]
	if err := o.cp.SetGroupCard(ctx, t.GroupID, t.UserID, given); err != nil {
		return fail(StepSetTarget, err)
	}
	res.GivenCard = given
	log.Debug("target card set", logx.String("card", given))
	return res, nil
}

// CardCandidates lists the cards that may be given to a target: the
// nickname, every alias and the bot's card before the exchange, in that
// order, without empty entries.
func CardCandidates(id Identity, previousCard string) []string {
	out := make([]string, 0, len(id.Aliases)+2)
	add := func(s string) {
		if s != "" {
			out = append(out, s)
		}
	}
	add(id.Nickname)
	for _, a := range id.Aliases {
		add(a)
	}
	add(previousCard)
	return out
}
