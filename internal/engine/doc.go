// Package engine runs script executions end to end. It validates and
// analyzes each request, leases the request's cache entry, has the installer
// fill in missing packages, runs the script in the selected sandbox under
// the entry's shared lock and assembles the response. Every execution is
// recorded in the store; async executions run on a bounded worker pool and
// stream console lines to subscribers through the LogBroker.
package engine
