// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads participant and topic profiles from YAML.
//
// A profile names the domain, the settings of the participant, and the QoS
// of each topic it publishes or subscribes to:
//
//	domain: 0
//	participant:
//	  name: sensor-hub
//	  lease_duration: 20s
//	  announce_period: 3s
//	  initial_peers: ["127.0.0.1:7410"]
//	topics:
//	  temperature:
//	    type: Reading
//	    heartbeat_period: 500ms
//	    writer:
//	      reliability: reliable
//	      durability: transient_local
//	      history: {kind: keep_last, depth: 10}
//	    reader:
//	      reliability: reliable
//
// Writer and reader settings not given in a profile take the values of
// [qos.DefaultWriter] and [qos.DefaultReader].
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/qos"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// A Profile is the settings of one participant and its topics.
type Profile struct {
	Domain      uint32           `yaml:"domain"`
	Participant Participant      `yaml:"participant"`
	Topics      map[string]Topic `yaml:"topics"`
}

// Participant is the participant section of a profile.
type Participant struct {
	Name            string        `yaml:"name"`
	LeaseDuration   time.Duration `yaml:"lease_duration"`
	AnnouncePeriod  time.Duration `yaml:"announce_period"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	InitialPeers    []string      `yaml:"initial_peers"`
}

// Topic is the settings of one topic.
type Topic struct {
	Type  string `yaml:"type"`
	Keyed bool   `yaml:"keyed"`

	Writer qos.Endpoint `yaml:"writer"`
	Reader qos.Endpoint `yaml:"reader"`

	HeartbeatPeriod        time.Duration `yaml:"heartbeat_period"`
	HeartbeatResponseDelay time.Duration `yaml:"heartbeat_response_delay"`
	RateLimit              float64       `yaml:"rate_limit"` // writes per second
	RateBurst              int           `yaml:"rate_burst"`
	PayloadSize            int           `yaml:"payload_size"`
}

// UnmarshalYAML decodes a topic, starting from the default QoS.
func (t *Topic) UnmarshalYAML(node *yaml.Node) error {
	type plain Topic
	v := plain{Writer: qos.DefaultWriter(), Reader: qos.DefaultReader()}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*t = Topic(v)
	return nil
}

// Load reads and parses the profile stored in the named file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

// Parse parses a profile from data, and checks its settings. Unknown fields
// are reported as errors.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports an error if the settings of p are inconsistent.
func (p *Profile) Validate() error {
	var errs []error
	for _, s := range p.Participant.InitialPeers {
		if _, err := rtps.ParseLocator(s); err != nil {
			errs = append(errs, fmt.Errorf("initial peer %q: %w", s, err))
		}
	}
	for name, t := range p.Topics {
		if t.Type == "" {
			errs = append(errs, fmt.Errorf("topic %q: missing type", name))
		}
		if err := t.Writer.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("topic %q writer: %w", name, err))
		}
		if err := t.Reader.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("topic %q reader: %w", name, err))
		}
		if t.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("topic %q: negative rate limit", name))
		}
	}
	return errors.Join(errs...)
}

// ParticipantOptions returns participant options for the profile. The
// logger is used as given.
func (p *Profile) ParticipantOptions(logger *slog.Logger) (rtps.ParticipantOptions, error) {
	opts := rtps.ParticipantOptions{
		Name:            p.Participant.Name,
		Logger:          logger,
		LeaseDuration:   p.Participant.LeaseDuration,
		AnnouncePeriod:  p.Participant.AnnouncePeriod,
		HeartbeatPeriod: p.Participant.HeartbeatPeriod,
	}
	for _, s := range p.Participant.InitialPeers {
		loc, err := rtps.ParseLocator(s)
		if err != nil {
			return opts, fmt.Errorf("initial peer %q: %w", s, err)
		}
		opts.InitialPeers = append(opts.InitialPeers, loc)
	}
	return opts, nil
}

func (p *Profile) topic(name string) (Topic, error) {
	t, ok := p.Topics[name]
	if !ok {
		return Topic{}, fmt.Errorf("topic %q not found", name)
	}
	return t, nil
}

// WriterOptions returns the options for a writer on the named topic.
func (p *Profile) WriterOptions(topic string) (rtps.WriterOptions, error) {
	t, err := p.topic(topic)
	if err != nil {
		return rtps.WriterOptions{}, err
	}
	q := t.Writer
	return rtps.WriterOptions{
		Topic:           topic,
		Type:            t.Type,
		Keyed:           t.Keyed,
		QoS:             &q,
		HeartbeatPeriod: t.HeartbeatPeriod,
		RateLimit:       rate.Limit(t.RateLimit),
		RateBurst:       t.RateBurst,
		PayloadSize:     t.PayloadSize,
	}, nil
}

// ReaderOptions returns the options for a reader on the named topic.
func (p *Profile) ReaderOptions(topic string) (rtps.ReaderOptions, error) {
	t, err := p.topic(topic)
	if err != nil {
		return rtps.ReaderOptions{}, err
	}
	q := t.Reader
	return rtps.ReaderOptions{
		Topic:                  topic,
		Type:                   t.Type,
		Keyed:                  t.Keyed,
		QoS:                    &q,
		HeartbeatResponseDelay: t.HeartbeatResponseDelay,
		PayloadSize:            t.PayloadSize,
	}, nil
}
