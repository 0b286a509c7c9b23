/*
Package handlers serves interfaces.RemoteService over HTTP.

Handler mounts one JSON POST route per remote operation under
/api/passport/. Requests decode into the request structs of the api
package, the call is forwarded to the wrapped service with the request
context, and the result is written back as JSON.

# Errors

A rejection from the service (*interfaces.RPCError) is written with its own
status code and the error as the body, so clients.RemoteClient returns an
identical error to its caller. Malformed bodies answer 400 with a
BAD_REQUEST error. Any other failure answers 500 with INTERNAL and is logged;
its text is never sent to the client.
*/
package handlers
