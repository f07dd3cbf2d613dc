// Package kv groups the catalog.KVStore backends. The memory backend serves
// single-process deployments and tests; the redis backend lets the brand
// cache and job registry outlive the process and be shared.
package kv
