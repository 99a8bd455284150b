// Package entitlement decides which subjects of a course a caller may see.
//
// The resulting Set is computed per request and handed explicitly to every
// read and write path that touches questions or answers.
package entitlement

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"coursetest/internal/auth"
)

type kind int

const (
	kindNone kind = iota
	kindAll
	kindSubjects
)

// Set is "all subjects", an explicit subject list, or "none".
// The zero value is None.
type Set struct {
	kind     kind
	subjects map[int64]struct{}
}

func All() Set  { return Set{kind: kindAll} }
func None() Set { return Set{kind: kindNone} }

// Subjects builds an explicit set; an empty list yields None.
func Subjects(ids ...int64) Set {
	if len(ids) == 0 {
		return None()
	}
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return Set{kind: kindSubjects, subjects: m}
}

func (s Set) IsAll() bool  { return s.kind == kindAll }
func (s Set) IsNone() bool { return s.kind == kindNone }

func (s Set) Allows(subjectID int64) bool {
	switch s.kind {
	case kindAll:
		return true
	case kindSubjects:
		_, ok := s.subjects[subjectID]
		return ok
	default:
		return false
	}
}

// SubjectIDs returns the explicit subjects in ascending order, nil for All/None.
func (s Set) SubjectIDs() []int64 {
	if s.kind != kindSubjects {
		return nil
	}
	out := make([]int64, 0, len(s.subjects))
	for id := range s.subjects {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Signature is stable for equal sets and is used as a cache filter key.
func (s Set) Signature() string {
	switch s.kind {
	case kindAll:
		return "all"
	case kindSubjects:
		ids := s.SubjectIDs()
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return "s:" + strings.Join(parts, ",")
	default:
		return "none"
	}
}

func (s Set) String() string { return s.Signature() }

// Subscription is the read-only view of a learner's access to a course.
type Subscription struct {
	Active           bool
	FullCourse       bool
	BundleID         *int64
	BundleSubjectIDs []int64
}

// SubscriptionSource returns the learner's single active subscription for the
// course, or nil when there is none.
type SubscriptionSource interface {
	ActiveSubscription(ctx context.Context, learnerID, courseID int64) (*Subscription, error)
}

type Resolver struct {
	source SubscriptionSource
}

func NewResolver(source SubscriptionSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve never fails for a missing subscription: None is a valid answer.
// Errors are only returned when the subscription source itself fails.
func (r *Resolver) Resolve(ctx context.Context, who auth.Identity, courseID int64) (Set, error) {
	if who.IsStaff() {
		return All(), nil
	}
	sub, err := r.source.ActiveSubscription(ctx, who.ID, courseID)
	if err != nil {
		return None(), fmt.Errorf("load subscription: %w", err)
	}
	return FromSubscription(sub), nil
}

// FromSubscription applies the precedence rules: a bundle always wins over
// the full-course flag, so bundle access stays restricted.
func FromSubscription(sub *Subscription) Set {
	if sub == nil || !sub.Active {
		return None()
	}
	if sub.BundleID != nil {
		return Subjects(sub.BundleSubjectIDs...)
	}
	if sub.FullCourse {
		return All()
	}
	return None()
}
