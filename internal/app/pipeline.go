package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"duoshe/internal/activity"
	"duoshe/internal/exchange"
	"duoshe/internal/napcat"
	"duoshe/internal/selection"
	logx "duoshe/pkg/logx"
)

// Picker chooses one id from a ranked list. Lambda is the decay rate of the
// rank distribution it draws from.
type Picker interface {
	Pick(ranked []string) (userID string, index int, ok bool)
	Lambda() float64
}

// Exchanger performs the card exchange with one target.
type Exchanger interface {
	Run(ctx context.Context, t exchange.Target, id exchange.Identity) (exchange.Result, error)
}

// IdentityResolver returns the bot's identity.
type IdentityResolver func(ctx context.Context) (exchange.Identity, error)

// Outcome describes one pipeline run.
type Outcome struct {
	RunID   string
	GroupID string
	Ranked  []activity.Record
	// Index is the rank of Target, or -1 when nobody was picked.
	Index  int
	Target string
	// Chance is the probability Target's rank had of being drawn.
	Chance float64
	Result exchange.Result
}

// Pipeline is the scheduler's Runner: rank the group, pick a member and
// exchange cards with them.
type Pipeline struct {
	source    activity.MessageSource
	picker    Picker
	exchanger Exchanger
	resolve   IdentityResolver
	log       logx.Logger
	now       func() time.Time

	mu       sync.Mutex
	identity *exchange.Identity
}

func NewPipeline(source activity.MessageSource, picker Picker, exchanger Exchanger, resolve IdentityResolver, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		source:    source,
		picker:    picker,
		exchanger: exchanger,
		resolve:   resolve,
		log:       log,
		now:       time.Now,
	}
}

// Identity returns the bot identity, resolving it on first success. Failures
// are not cached.
func (p *Pipeline) Identity(ctx context.Context) (exchange.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identity != nil {
		return *p.identity, nil
	}
	if p.resolve == nil {
		return exchange.Identity{}, errors.New("no identity resolver")
	}
	id, err := p.resolve(ctx)
	if err != nil {
		return exchange.Identity{}, err
	}
	if strings.TrimSpace(id.SelfID) == "" {
		return exchange.Identity{}, errors.New("bot identity has no self id")
	}
	p.identity = &id
	return id, nil
}

// RunGroup implements scheduler.Runner.
func (p *Pipeline) RunGroup(ctx context.Context, groupID string) error {
	_, err := p.Run(ctx, groupID)
	return err
}

// Run executes one pass for groupID. A group with no eligible member is not
// an error.
func (p *Pipeline) Run(ctx context.Context, groupID string) (Outcome, error) {
	out := Outcome{RunID: uuid.NewString(), GroupID: groupID, Index: -1}
	log := p.log.With(logx.String("run_id", out.RunID), logx.String("group_id", groupID))
	started := p.now()

	id, err := p.Identity(ctx)
	if err != nil {
		log.Warn("bot identity unavailable; run skipped", logx.Err(err))
		return out, fmt.Errorf("resolve bot identity: %w", err)
	}

	ranked, err := activity.NewRanker(p.source, id.SelfID, p.now).Candidates(ctx, groupID)
	if err != nil {
		log.Warn("activity query failed", logx.Err(err))
		return out, err
	}
	out.Ranked = ranked

	target, idx, ok := p.picker.Pick(activity.IDs(ranked))
	if !ok {
		log.Info("no active members in the last 24h; nothing to do")
		return out, nil
	}
	out.Index, out.Target = idx, target
	out.Chance = selection.Probabilities(len(ranked), p.picker.Lambda())[idx]
	log.Debug("target selected",
		logx.String("user_id", target), logx.Int("rank", idx),
		logx.Int("count", ranked[idx].Count), logx.Int("candidates", len(ranked)),
		logx.Float64("chance", out.Chance))

	res, err := p.exchanger.Run(ctx, exchange.Target{GroupID: groupID, UserID: target}, id)
	out.Result = res
	if err != nil {
		fields := []logx.Field{logx.String("user_id", target), logx.Err(err)}
		var se *exchange.StepError
		if errors.As(err, &se) {
			fields = append(fields, logx.String("step", string(se.Step)))
		}
		if errors.Is(err, napcat.ErrMemberNotFound) {
			fields = append(fields, logx.Bool("member_not_found", true))
		}
		log.Error("exchange aborted", fields...)
		return out, err
	}

	log.Info("exchange done",
		logx.String("user_id", target),
		logx.Int("rank", idx),
		logx.Bool("privileged", res.Privileged),
		logx.String("card_taken", res.TargetCard),
		logx.String("card_given", res.GivenCard),
		logx.Duration("took", p.now().Sub(started)))
	return out, nil
}

// resolveIdentity builds the bot identity from get_login_info and the bot
// section. A configured nickname wins over the login nickname.
func resolveIdentity(client *napcat.Client, nickname string, aliases []string) IdentityResolver {
	return func(ctx context.Context) (exchange.Identity, error) {
		info, err := client.GetBotIdentity(ctx)
		if err != nil {
			return exchange.Identity{}, err
		}
		nick := strings.TrimSpace(nickname)
		if nick == "" {
			nick = info.Nickname
		}
		return exchange.Identity{
			SelfID:   string(info.UserID),
			Nickname: nick,
			Aliases:  append([]string(nil), aliases...),
		}, nil
	}
}
