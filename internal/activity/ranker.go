// Package activity ranks group members by recent message count.
package activity

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Window is the lookback used to rank candidates.
const Window = 24 * time.Hour

// Event is one message from a group's history.
type Event struct {
	SenderID  string
	At        time.Time
	IsCommand bool
}

// Record is the aggregated activity of one sender.
type Record struct {
	UserID    string
	Count     int
	FirstSeen time.Time
}

// MessageSource returns the message events of a group in [since, until).
type MessageSource interface {
	QueryMessages(ctx context.Context, groupID string, since, until time.Time) ([]Event, error)
}

// Aggregate counts eligible events per sender and returns the records in
// rank order. Commands, empty senders and the bot's own messages are
// skipped.
//
// Ordering: count descending, then first event ascending, then user id
// ascending, so identical input always yields the identical order.
func Aggregate(events []Event, selfID string) []Record {
	idx := make(map[string]int, len(events))
	recs := make([]Record, 0, len(events))
	for _, ev := range events {
		if ev.IsCommand || ev.SenderID == "" || ev.SenderID == selfID {
			continue
		}
		i, ok := idx[ev.SenderID]
		if !ok {
			idx[ev.SenderID] = len(recs)
			recs = append(recs, Record{UserID: ev.SenderID, Count: 1, FirstSeen: ev.At})
			continue
		}
		r := &recs[i]
		r.Count++
		if ev.At.Before(r.FirstSeen) {
			r.FirstSeen = ev.At
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.UserID < b.UserID
	})
	return recs
}

// Rank returns only the user ids of Aggregate, most active first.
func Rank(events []Event, selfID string) []string {
	return IDs(Aggregate(events, selfID))
}

// Ranker queries a group's last 24h of history and ranks the senders.
type Ranker struct {
	source MessageSource
	selfID string
	now    func() time.Time
}

// NewRanker returns a Ranker excluding selfID. now may be nil.
func NewRanker(source MessageSource, selfID string, now func() time.Time) *Ranker {
	if now == nil {
		now = time.Now
	}
	return &Ranker{source: source, selfID: selfID, now: now}
}

// Candidates returns the ranked records for groupID over [now-24h, now).
func (r *Ranker) Candidates(ctx context.Context, groupID string) ([]Record, error) {
	until := r.now()
	since := until.Add(-Window)
	events, err := r.source.QueryMessages(ctx, groupID, since, until)
	if err != nil {
		return nil, fmt.Errorf("query messages for group %s: %w", groupID, err)
	}

	inWindow := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.At.Before(since) || !ev.At.Before(until) {
			continue
		}
		inWindow = append(inWindow, ev)
	}
	return Aggregate(inWindow, r.selfID), nil
}

// IDs extracts the user ids from ranked records.
func IDs(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.UserID
	}
	return out
}
