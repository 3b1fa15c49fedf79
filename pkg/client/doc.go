/*
Package client is a typed client for the certwarden operator API.

	c := client.NewClient("10.0.0.1:8080")
	if _, err := c.CAInfo(ctx); client.IsNotFound(err) {
		info, err := c.CreateCA(ctx, "Acme CA")
		...
	}

Non-2xx answers are returned as *APIError carrying the HTTP status and the
server's error message. Writes sent to a follower are forwarded to the
leader by the server, so any cluster member can be addressed.
*/
package client
