// Package searchmux routes search queries across two backends: a
// durable database and a volatile accelerator. Per-backend circuit
// breakers stop calls to failing backends, a TTL'd LRU cache absorbs
// repeated queries and can serve stale entries during outages, a
// background monitor probes both backends, and masking rules redact
// sensitive fields before responses leave the engine.
//
// A minimal engine runs both roles in memory:
//
//	eng, err := searchmux.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	res, err := eng.Execute(ctx, searchmux.Query{
//		Collection: "patients",
//		Term:       "diabetes",
//	})
//
// Durable drivers (SQLite, Badger, bleve) and the Redis accelerator
// are selected through options:
//
//	eng, err := searchmux.New(
//		searchmux.WithSQLiteDatabase("/var/lib/searchmux/docs.db"),
//		searchmux.WithRedisAccelerator(searchmux.RedisConfig{Addrs: []string{"localhost:6379"}}),
//		searchmux.WithDefaultStrategy(searchmux.CircuitAware),
//	)
package searchmux
