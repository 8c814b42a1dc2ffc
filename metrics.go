// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import "expvar"

// participantMetrics record participant activity counters.
type participantMetrics struct {
	datagramRecv    expvar.Int
	datagramSent    expvar.Int
	datagramDropped expvar.Int // malformed or undeliverable
	dataSent        expvar.Int
	dataResent      expvar.Int // retransmissions requested by acknacks
	gapsSent        expvar.Int
	heartbeatsSent  expvar.Int
	acknacksSent    expvar.Int
	acknacksRecv    expvar.Int
	samplesRecv     expvar.Int // changes accepted into a reader history
	samplesRejected expvar.Int // failed validation
	samplesLost     expvar.Int
	writesRejected  expvar.Int // write failed with a full history
	matchedReaders  expvar.Int // gauge
	matchedWriters  expvar.Int // gauge
	participants    expvar.Int // gauge: remote participants alive

	emap *expvar.Map
}

func newParticipantMetrics() *participantMetrics {
	pm := &participantMetrics{emap: new(expvar.Map)}
	pm.emap.Set("datagrams_received", &pm.datagramRecv)
	pm.emap.Set("datagrams_sent", &pm.datagramSent)
	pm.emap.Set("datagrams_dropped", &pm.datagramDropped)
	pm.emap.Set("data_sent", &pm.dataSent)
	pm.emap.Set("data_resent", &pm.dataResent)
	pm.emap.Set("gaps_sent", &pm.gapsSent)
	pm.emap.Set("heartbeats_sent", &pm.heartbeatsSent)
	pm.emap.Set("acknacks_sent", &pm.acknacksSent)
	pm.emap.Set("acknacks_received", &pm.acknacksRecv)
	pm.emap.Set("samples_received", &pm.samplesRecv)
	pm.emap.Set("samples_rejected", &pm.samplesRejected)
	pm.emap.Set("samples_lost", &pm.samplesLost)
	pm.emap.Set("writes_rejected", &pm.writesRejected)
	pm.emap.Set("matched_readers", &pm.matchedReaders)
	pm.emap.Set("matched_writers", &pm.matchedWriters)
	pm.emap.Set("participants", &pm.participants)
	return pm
}

// GaugeMetrics names the entries of a participant metrics map that report a
// current level rather than a running count.
var GaugeMetrics = []string{"matched_readers", "matched_writers", "participants"}
