package main

import (
	"net/http"
	"time"
)

const externalHTTPTimeout = 30 * time.Second

// Shared client for outbound calls. Per-call deadlines still come from the
// request context; this is the hard ceiling.
var externalHTTPClient = &http.Client{
	Timeout: externalHTTPTimeout,
}
