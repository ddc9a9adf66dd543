// Package universe resolves and maintains the set of tracked symbols.
//
// At startup the provider fetches the exchange's instrument metadata and
// filters it down to actively trading perpetual contracts in the
// configured quote asset. A refresh loop re-fetches the metadata
// periodically and reconciles newly listed symbols into the running
// system; delisted symbols simply go quiet and are never force-removed.
package universe
