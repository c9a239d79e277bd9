/*
Package metrics exports cache activity as Prometheus metrics.

Collector implements types.MetricsCollector, so the loader and the cache
facade record into it directly. Each collector owns its own registry;
nothing is registered globally.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tiercache",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported series

	tiercache_operations_total{operation,status}
	tiercache_operation_duration_seconds{operation}
	tiercache_operation_size_bytes{operation}
	tiercache_cache_requests_total{type="hit|miss",tier}
	tiercache_evictions_total{tier}
	tiercache_coalesced_requests_total
	tiercache_cache_size_bytes{tier}
	tiercache_errors_total{operation,code}

The error series is labeled with the tiercache error code (FETCH_FAILED,
DECODE_FAILED, ...) or OTHER for foreign errors.

# Endpoints

Start serves the registry on Path, a liveness probe on /health and a JSON
summary of per-operation averages on /debug/operations. Handler returns the
registry handler alone for embedding into another server.

A collector created with Enabled=false accepts every call and records
nothing.
*/
package metrics
