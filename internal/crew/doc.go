// Package crew manages materialized crew sessions: building them from the
// catalog and knowledge store, caching a bounded number of them, running
// tasks through an Engine and relaying progress to the live log.
package crew
