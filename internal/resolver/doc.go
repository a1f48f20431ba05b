// Package resolver maps a request domain to the local port of the service
// that should receive it.
//
// A domain is claimed by a managed process through its environment, either
// with a DOMAIN/PORT pair or with a HOSTNAME_TO_PORT list of host:port
// pairs. Domains no process claims can fall back to a port booked from a
// discovery range. Answers are cached for a few seconds so that bursts of
// requests do not each query the process manager.
package resolver
