/*
Package api holds the HTTP wire contract of the remote service that stores
secure values and forwards authorizations.

Subpackages:

 1. handlers - chi routes exposing any interfaces.RemoteService
 2. clients - an interfaces.RemoteService speaking to those routes
 3. devremote - an in-memory remote service for development and tests

Every operation is a POST to /api/passport/<operation> with a JSON body.
A rejection is answered with a non-200 status and an interfaces.RPCError
body such as {"code":400,"type":"PHONE_CODE_INVALID"}, which the client
turns back into the same *interfaces.RPCError.

The remote service only ever sees ciphertext, hashes and wrapped secrets.
*/
package api
