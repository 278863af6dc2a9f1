// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import "expvar"

// rpcMetrics record client and server activity counters.
type rpcMetrics struct {
	frameRecv      expvar.Int
	frameSent      expvar.Int
	frameDropped   expvar.Int
	callIn         expvar.Int // number of inbound calls received
	callInErr      expvar.Int // number of inbound calls reporting an error
	callActive     expvar.Int // inbound
	callOut        expvar.Int // number of outbound calls initiated
	callOutErr     expvar.Int // number of outbound calls reporting an error
	callPending    expvar.Int // outbound
	callRetried    expvar.Int // outbound attempts after the first
	pingIn         expvar.Int // keepalives answered by sessions
	batchSent      expvar.Int // batches of oneway frames flushed
	sessionActive  expvar.Int
	sessionReaped  expvar.Int // sessions closed for idleness
	protocolFailed expvar.Int // connections closed for a protocol error

	emap *expvar.Map
}

var rootMetrics = newMetrics()

func newMetrics() *rpcMetrics {
	m := &rpcMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.frameRecv)
	m.emap.Set("frames_sent", &m.frameSent)
	m.emap.Set("frames_dropped", &m.frameDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("calls_retried", &m.callRetried)
	m.emap.Set("pings_in", &m.pingIn)
	m.emap.Set("batches_sent", &m.batchSent)
	m.emap.Set("sessions_active", &m.sessionActive)
	m.emap.Set("sessions_reaped", &m.sessionReaped)
	m.emap.Set("protocol_failures", &m.protocolFailed)
	return m
}

// Metrics returns the metrics map shared by all clients and servers in the
// process. It is safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return rootMetrics.emap }
