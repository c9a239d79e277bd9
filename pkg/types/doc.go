/*
Package types provides the core interfaces, data structures, and type definitions for tiercache.

This package is the contract between the cache tiers, the loader that coordinates them, and
the collaborators the loader consumes (network fetchers, decoders, capacity policies and
metrics collectors).

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              Cache facade                   │
	│             (pkg/tiercache)                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Loader                      │
	│            (internal/loader)                │
	└─────────────────────────────────────────────┘
	      │           │            │           │
	┌─────┴────┐ ┌────┴────┐ ┌─────┴────┐ ┌────┴─────┐
	│  Memory  │ │  Disk   │ │ In-flight│ │ Fetcher/ │
	│   LRU    │ │  cache  │ │ registry │ │ Decoder  │
	└──────────┘ └─────────┘ └──────────┘ └──────────┘

# Keys

A CacheKey is derived from a resource locator (usually a URL) with KeyFor. The mapping is
deterministic, 128 bits wide, and safe to use as a file name.

# Access policies

	NORMAL      memory → disk → network
	CACHE_ONLY  memory → disk, never network
	PRE_FETCH   as NORMAL, value discarded by the caller
	REFRESH     network only; cached copies are invalidated first

Every successful load is tagged with the Source (memory, disk, network) that produced it.

# Collaborators

Fetcher, Decoder, Encoder and CapacityPolicy are narrow interfaces so the transport and
decode implementations can be swapped without touching the caching core. Implementations
must be safe for concurrent use.
*/
package types
