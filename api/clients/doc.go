// Package clients provides HTTP clients for the services exposed by the api
// packages.
//
// RemoteClient implements interfaces.RemoteService against a server that
// mounts handlers.Handler. Every operation is a JSON POST to
// /api/passport/<operation>; a rejection comes back as a non-200 status with
// an interfaces.RPCError body and is returned to the caller unchanged, so
// interfaces.RPCErrorType works the same on both sides of the wire.
package clients
