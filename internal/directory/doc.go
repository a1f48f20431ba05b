// Package directory queries a process manager for the list of managed
// processes and their environment.
//
// The Client owns the connection to the manager: it connects on demand,
// shares one in-flight listing between concurrent callers, and disconnects
// after a short idle period so that no connection outlives a burst of
// requests. The manager itself is reached through a Backend; two are
// provided:
//
//   - PM2Backend drives the pm2 command line (`pm2 ping`, `pm2 jlist`).
//   - DockerBackend talks to the Docker Engine API and reads each running
//     container's environment.
package directory
