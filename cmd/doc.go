// Package cmd implements the command-line interface rkv of rangekv. It
// provides a hierarchical command structure for running a node and for
// operating it through its admin api.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a node and its admin api
//   - kv: Key operations and node state (set, get, del, metainfo, info, metrics)
//   - backfill: Starts and follows backfills (start, status, list)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as an environment variable RKV_<FLAG>, .env and
// .env.local files are loaded on start. See rkv -help for a list of all commands.
package cmd
