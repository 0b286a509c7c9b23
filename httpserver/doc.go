/*
Package httpserver runs the HTTP front of the remote secure values service.

A Server mounts any number of API handlers (anything with RegisterRoutes)
behind the flashbots request logger, and adds the usual operational
endpoints:

  - GET /livez   always 200 while the process runs
  - GET /readyz  200 until drained, 503 afterwards
  - GET /drain   marks the server not ready
  - GET /undrain marks it ready again
  - /debug/pprof when EnablePprof is set

Listen binds and serves in the background. Shutdown drains first, waits
DrainDuration (or until its context is cancelled), then stops the listener
within GracefulShutdownDuration.
*/
package httpserver
