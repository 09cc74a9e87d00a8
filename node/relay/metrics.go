package relay

import "github.com/rcrowley/go-metrics"

type relayMetrics struct {
	cmpctIn         metrics.Counter
	cmpctDuplicate  metrics.Counter
	cmpctStale      metrics.Counter
	rebuiltLocal    metrics.Counter
	rebuiltRound    metrics.Counter
	getBlockTxnOut  metrics.Counter
	blockTxnIn      metrics.Counter
	blockTxnUnknown metrics.Counter
	fullFetch       metrics.Counter
	timeouts        metrics.Counter
	failures        metrics.Counter
	runnerUp        metrics.Counter
	servedCmpct     metrics.Counter
	servedBlockTxn  metrics.Counter
	servedBlock     metrics.Counter
	announced       metrics.Counter
	rebuildTimer    metrics.Timer
	missingTxs      metrics.Histogram
}

func newRelayMetrics(r metrics.Registry) *relayMetrics {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	return &relayMetrics{
		cmpctIn:         metrics.GetOrRegisterCounter("relay/cmpctblock/in", r),
		cmpctDuplicate:  metrics.GetOrRegisterCounter("relay/cmpctblock/duplicate", r),
		cmpctStale:      metrics.GetOrRegisterCounter("relay/cmpctblock/stale", r),
		rebuiltLocal:    metrics.GetOrRegisterCounter("relay/rebuild/local", r),
		rebuiltRound:    metrics.GetOrRegisterCounter("relay/rebuild/roundtrip", r),
		getBlockTxnOut:  metrics.GetOrRegisterCounter("relay/getblocktxn/out", r),
		blockTxnIn:      metrics.GetOrRegisterCounter("relay/blocktxn/in", r),
		blockTxnUnknown: metrics.GetOrRegisterCounter("relay/blocktxn/unknown", r),
		fullFetch:       metrics.GetOrRegisterCounter("relay/fallback/fullblock", r),
		timeouts:        metrics.GetOrRegisterCounter("relay/fallback/timeout", r),
		failures:        metrics.GetOrRegisterCounter("relay/rebuild/failed", r),
		runnerUp:        metrics.GetOrRegisterCounter("relay/rebuild/runnerup", r),
		servedCmpct:     metrics.GetOrRegisterCounter("relay/serve/cmpctblock", r),
		servedBlockTxn:  metrics.GetOrRegisterCounter("relay/serve/blocktxn", r),
		servedBlock:     metrics.GetOrRegisterCounter("relay/serve/block", r),
		announced:       metrics.GetOrRegisterCounter("relay/announce/out", r),
		rebuildTimer:    metrics.GetOrRegisterTimer("relay/rebuild/latency", r),
		missingTxs:      metrics.GetOrRegisterHistogram("relay/rebuild/missing", r, metrics.NewUniformSample(1028)),
	}
}
