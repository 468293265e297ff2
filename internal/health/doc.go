// Package health holds the liveness and readiness probes for the API and
// the handlers that expose them.
//
// Probes compose with [All] and [Any]; [Named] prefixes a failure with the
// dependency it came from, so a 503 body reads "datastore: ..." rather
// than a bare driver error. [ShutdownGate] fails readiness as soon as a
// drain starts so the load balancer stops routing before the listener
// closes.
package health
