// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package rtps implements a brokerless publish-subscribe protocol modelled on
// the Real-Time Publish-Subscribe wire protocol.
//
// Participants in a domain exchange datagrams over an unreliable transport.
// Each participant hosts writers and readers for named topics. Participants
// discover one another and match writers to readers automatically, and a
// reliable writer recovers lost changes by retransmission, so that each of
// its matched readers receives every change in order.
//
// # Participants
//
// The core type defined by this package is the [Participant]. Participants
// are created by a [Registry], which assigns each participant of a domain a
// distinct ID and the well-known ports derived from it:
//
//	reg := rtps.NewRegistry(0)
//	p := reg.Create(rtps.ParticipantOptions{Name: "sensor-hub"})
//
// To start the service routine, call the Start method with a [Transport]:
//
//	p.Start(tr)
//
// The participant runs until [Participant.Stop] is called or its transport
// closes. Stop withdraws the participant from the domain, so that the other
// participants unmatch its endpoints without waiting for its lease to lapse.
// Call [Participant.Wait] to wait for the participant to exit and return its
// status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Participant failed: %v", err)
//	}
//
// # Transports
//
// The [Transport] interface defines the ability to send and receive
// datagrams addressed by locator. A Transport implementation must allow
// concurrent use by multiple senders and one receiver.
//
// The channel package provides an in-memory implementation, which can drop
// datagrams on request for testing, and a UDP implementation. The peers
// package wires groups of participants together in memory.
//
// # Writers and Readers
//
// To publish on a topic, create a [Writer] and write to it:
//
//	w, err := p.NewWriter(rtps.WriterOptions{Topic: "temperature", Type: "Reading"})
//	...
//	if err := w.Write(ctx, data); err != nil {
//	   log.Printf("Write failed: %v", err)
//	}
//
// To subscribe, create a [Reader] on another participant and take samples
// from it as they arrive:
//
//	r, err := q.NewReader(rtps.ReaderOptions{Topic: "temperature", Type: "Reading"})
//	...
//	for {
//	   s, ok := r.TakeNextSample()
//	   if !ok {
//	      if err := r.Wait(ctx); err != nil {
//	         break
//	      }
//	      continue
//	   }
//	   process(s.Data)
//	}
//
// A writer and reader on the same topic and type are matched when their QoS
// are compatible (see package qos). A mismatch is reported to the listener of
// each endpoint as an [IncompatibleQoSEvent]; matching and unmatching are
// reported as a [MatchedEvent].
//
// A writer keeps its changes in a bounded history. When the history is full,
// a write first reclaims changes that every matched reader has acknowledged,
// and a reliable writer then waits up to its MaxBlockingTime for space. Use
// [Writer.WaitForAllAcked] to wait until every matched reader has
// acknowledged every change written so far.
//
// # Discovery
//
// Each participant announces itself periodically on the multicast locators of
// its transport and to its initial peers. A participant that is not heard
// from within its lease duration is considered gone, and its endpoints are
// unmatched. Endpoints are announced to the participants discovered this way,
// and matched against the endpoints they announce in turn.
//
// # Metrics
//
// Participants maintain a collection of metrics while running. Use the
// [Participant.Metrics] method to obtain an [expvar.Map] containing the
// metrics exported by the participant.
//
// The metrics currently exported by participants include:
//
//   - datagrams_received: counter of datagrams received
//   - datagrams_sent: counter of datagrams sent
//   - datagrams_dropped: counter of datagrams and submessages discarded
//   - data_sent: counter of DATA submessages sent
//   - data_resent: counter of changes retransmitted on request
//   - gaps_sent: counter of GAP submessages sent
//   - heartbeats_sent: counter of HEARTBEAT submessages sent
//   - acknacks_sent: counter of ACKNACK submessages sent
//   - acknacks_received: counter of ACKNACK submessages received
//   - samples_received: counter of changes accepted by readers
//   - samples_rejected: counter of changes that failed validation
//   - samples_lost: counter of changes readers will never receive
//   - writes_rejected: counter of writes that failed for lack of space
//   - matched_readers: gauge of readers matched to local writers
//   - matched_writers: gauge of writers matched to local readers
//   - participants: gauge of remote participants alive
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries. The promexport package exports the map to Prometheus.
package rtps
