// Package client is the entry point to the object cache.
//
// A Client wires a cache.Store, a query.Engine and an action.Applier over
// a remote.Client transport. Reads go through the remote.ResilientClient
// the Client builds around the transport, and every fetch is traced and
// measured through the observe package.
//
//	cfg, err := client.LoadConfig("objectcache.yaml")
//	if err != nil { ... }
//	c, err := client.New(ctx, cfg, transport, defs)
//	if err != nil { ... }
//	defer c.Close(ctx)
//
//	q, sub, err := c.ObserveObject("Employee", 42, query.ObjectOptions{}, cache.Observer[query.ObjectPayload]{
//	    Next: func(p query.ObjectPayload) { ... },
//	})
//	defer sub.Unsubscribe()
//
// Configuration files are YAML. Values may reference environment
// variables as ${VAR}; a missing variable fails LoadConfig, and $$ is a
// literal dollar sign.
package client
