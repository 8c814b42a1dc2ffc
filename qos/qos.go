// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package qos defines the quality-of-service settings that govern an endpoint
// and the rules for matching a writer's offered settings against a reader's
// requested settings.
//
// Only reliability, durability, history and resource limits drive the
// protocol engine. Ownership and partitions are carried so that discovery can
// refuse to match endpoints that disagree on them.
package qos

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/creachadair/rtps/pool"
)

// ErrIncompatible is matched by errors reporting that an offered and a
// requested QoS cannot be paired.
var ErrIncompatible = errors.New("incompatible qos")

// ReliabilityKind selects whether a channel retransmits lost changes.
// BestEffort < Reliable.
type ReliabilityKind int

const (
	BestEffort ReliabilityKind = 1
	Reliable   ReliabilityKind = 2
)

func (k ReliabilityKind) String() string {
	return kindName(k, map[ReliabilityKind]string{BestEffort: "BEST_EFFORT", Reliable: "RELIABLE"})
}

// MarshalText implements [encoding.TextMarshaler].
func (k ReliabilityKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *ReliabilityKind) UnmarshalText(data []byte) error {
	return parseKind(k, string(data), map[string]ReliabilityKind{"BEST_EFFORT": BestEffort, "RELIABLE": Reliable})
}

// DurabilityKind selects whether a writer replays its history to readers that
// match after the data were written. Volatile < TransientLocal.
type DurabilityKind int

const (
	Volatile       DurabilityKind = 0
	TransientLocal DurabilityKind = 1
)

func (k DurabilityKind) String() string {
	return kindName(k, map[DurabilityKind]string{Volatile: "VOLATILE", TransientLocal: "TRANSIENT_LOCAL"})
}

// MarshalText implements [encoding.TextMarshaler].
func (k DurabilityKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *DurabilityKind) UnmarshalText(data []byte) error {
	return parseKind(k, string(data), map[string]DurabilityKind{"VOLATILE": Volatile, "TRANSIENT_LOCAL": TransientLocal})
}

// HistoryKind selects how many changes a history retains.
type HistoryKind int

const (
	KeepLast HistoryKind = 0 // the most recent Depth changes per instance
	KeepAll  HistoryKind = 1 // everything, up to the resource limits
)

func (k HistoryKind) String() string {
	return kindName(k, map[HistoryKind]string{KeepLast: "KEEP_LAST", KeepAll: "KEEP_ALL"})
}

// MarshalText implements [encoding.TextMarshaler].
func (k HistoryKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *HistoryKind) UnmarshalText(data []byte) error {
	return parseKind(k, string(data), map[string]HistoryKind{"KEEP_LAST": KeepLast, "KEEP_ALL": KeepAll})
}

// OwnershipKind selects whether several writers may update one instance.
type OwnershipKind int

const (
	Shared    OwnershipKind = 0
	Exclusive OwnershipKind = 1
)

func (k OwnershipKind) String() string {
	return kindName(k, map[OwnershipKind]string{Shared: "SHARED", Exclusive: "EXCLUSIVE"})
}

// MarshalText implements [encoding.TextMarshaler].
func (k OwnershipKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *OwnershipKind) UnmarshalText(data []byte) error {
	return parseKind(k, string(data), map[string]OwnershipKind{"SHARED": Shared, "EXCLUSIVE": Exclusive})
}

func kindName[K ~int](k K, names map[K]string) string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("kind:%d", int(k))
}

func parseKind[K ~int](k *K, s string, names map[string]K) error {
	v, ok := names[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return fmt.Errorf("unknown qos kind %q", s)
	}
	*k = v
	return nil
}

// History is the retention policy of an endpoint's history.
type History struct {
	Kind  HistoryKind `yaml:"kind"`
	Depth int         `yaml:"depth"` // for KeepLast; ≥ 1
}

// ResourceLimits bound the size of a history. A zero field is unlimited.
type ResourceLimits struct {
	MaxSamples            int `yaml:"max_samples"`
	MaxInstances          int `yaml:"max_instances"`
	MaxSamplesPerInstance int `yaml:"max_samples_per_instance"`
	InitialSamples        int `yaml:"initial_samples"` // payloads to preallocate
}

// Endpoint is the QoS of a writer or reader.
type Endpoint struct {
	Reliability ReliabilityKind `yaml:"reliability"`
	Durability  DurabilityKind  `yaml:"durability"`
	History     History         `yaml:"history"`
	Limits      ResourceLimits  `yaml:"limits"`
	Ownership   OwnershipKind   `yaml:"ownership"`
	Partitions  []string        `yaml:"partitions"`

	// MaxBlockingTime bounds how long a reliable write waits for space in a
	// full history.
	MaxBlockingTime time.Duration `yaml:"max_blocking_time"`

	// Memory selects the payload pool policy for the endpoint's history.
	Memory pool.Policy `yaml:"memory_policy"`
}

// DefaultWriter returns the default writer QoS: reliable, volatile, keep the
// last sample, and block up to 100ms when the history is full.
func DefaultWriter() Endpoint {
	return Endpoint{
		Reliability:     Reliable,
		Durability:      Volatile,
		History:         History{Kind: KeepLast, Depth: 1},
		MaxBlockingTime: 100 * time.Millisecond,
		Memory:          pool.PreallocatedWithRealloc,
	}
}

// DefaultReader returns the default reader QoS: best effort, volatile, keep
// the last sample.
func DefaultReader() Endpoint {
	return Endpoint{
		Reliability: BestEffort,
		Durability:  Volatile,
		History:     History{Kind: KeepLast, Depth: 1},
		Memory:      pool.PreallocatedWithRealloc,
	}
}

// IsReliable reports whether e requests reliable delivery.
func (e Endpoint) IsReliable() bool { return e.Reliability == Reliable }

// Validate reports an error if the settings of e are inconsistent.
func (e Endpoint) Validate() error {
	var errs []error
	if e.Reliability != BestEffort && e.Reliability != Reliable {
		errs = append(errs, fmt.Errorf("invalid reliability %v", e.Reliability))
	}
	if e.Durability != Volatile && e.Durability != TransientLocal {
		errs = append(errs, fmt.Errorf("invalid durability %v", e.Durability))
	}
	switch e.History.Kind {
	case KeepLast:
		if e.History.Depth < 1 {
			errs = append(errs, fmt.Errorf("keep-last depth %d < 1", e.History.Depth))
		}
		if m := e.Limits.MaxSamplesPerInstance; m > 0 && e.History.Depth > m {
			errs = append(errs, fmt.Errorf("keep-last depth %d exceeds max samples per instance %d", e.History.Depth, m))
		}
	case KeepAll:
	default:
		errs = append(errs, fmt.Errorf("invalid history kind %v", e.History.Kind))
	}
	l := e.Limits
	if l.MaxSamples < 0 || l.MaxInstances < 0 || l.MaxSamplesPerInstance < 0 || l.InitialSamples < 0 {
		errs = append(errs, errors.New("negative resource limit"))
	}
	if l.MaxSamples > 0 && l.MaxSamplesPerInstance > l.MaxSamples {
		errs = append(errs, fmt.Errorf("max samples per instance %d exceeds max samples %d", l.MaxSamplesPerInstance, l.MaxSamples))
	}
	if l.MaxSamples > 0 && l.InitialSamples > l.MaxSamples {
		errs = append(errs, fmt.Errorf("initial samples %d exceeds max samples %d", l.InitialSamples, l.MaxSamples))
	}
	if e.MaxBlockingTime < 0 {
		errs = append(errs, fmt.Errorf("negative max blocking time %v", e.MaxBlockingTime))
	}
	for _, p := range e.Partitions {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("invalid partition %q: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// A Mismatch reports the policies on which an offered and a requested QoS
// disagree. It matches [ErrIncompatible] under [errors.Is].
type Mismatch struct {
	Policies []string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("%v: %s", ErrIncompatible, strings.Join(m.Policies, ", "))
}

// Unwrap returns [ErrIncompatible].
func (m *Mismatch) Unwrap() error { return ErrIncompatible }

// Check reports whether a writer offering offered can serve a reader
// requesting requested. It returns nil if they are compatible, otherwise a
// *[Mismatch] naming every policy that fails:
//
//   - RELIABILITY: the offered kind is weaker than the requested kind.
//   - DURABILITY: the offered kind is weaker than the requested kind.
//   - OWNERSHIP: the kinds differ.
//   - PARTITION: no offered partition matches a requested partition.
func Check(offered, requested Endpoint) error {
	var bad []string
	if offered.Reliability < requested.Reliability {
		bad = append(bad, "RELIABILITY")
	}
	if offered.Durability < requested.Durability {
		bad = append(bad, "DURABILITY")
	}
	if offered.Ownership != requested.Ownership {
		bad = append(bad, "OWNERSHIP")
	}
	if !PartitionsMatch(offered.Partitions, requested.Partitions) {
		bad = append(bad, "PARTITION")
	}
	if len(bad) == 0 {
		return nil
	}
	return &Mismatch{Policies: bad}
}

// PartitionsMatch reports whether two partition lists share a partition.
// An empty list is the default partition, named by the empty string.
// Partition names may contain shell wildcards, matched in either direction.
func PartitionsMatch(a, b []string) bool {
	if len(a) == 0 {
		a = []string{""}
	}
	if len(b) == 0 {
		b = []string{""}
	}
	for _, x := range a {
		for _, y := range b {
			if x == y || wildMatch(x, y) || wildMatch(y, x) {
				return true
			}
		}
	}
	return false
}

func wildMatch(pat, name string) bool {
	ok, err := path.Match(pat, name)
	return err == nil && ok
}
