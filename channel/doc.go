/*
Package channel implements the request/response exchange between a controller and a worker, using JSON files in the
session directory as the transport.

There are two kinds of artifact, both named from the session's trial counter:

	<dir>/c<trial>_<type>.json   request written by the controller
	<dir>/g<trial>_<kind>.json   response written by the worker

The request carries a "response_file" field naming the exact response path, so both sides agree on the
synchronization point without any other channel. kind is "trial" for answer requests and the request type otherwise.

The protocol proceeds as follows:

1. The controller writes the request artifact, stamped with response_file.
2. The worker notices the request, runs its trial logic, and writes its reply to response_file.
3. The controller waits for response_file to appear, then parses it, retrying a bounded number of times since the
file may be observed mid-write.

Waiting never fails the caller. A response that does not appear within the timeout, or that cannot be parsed, is
returned as an empty Message, which callers must read as "nothing new yet".
*/
package channel
