// Package hushd exposes the Go APIs behind the one-shot secret-sharing
// server. hushd serves a single local resource — a file, or bytes piped on
// stdin — over plain HTTP at a random unguessable path, delivers it to at
// most a configured number of requests, and then shuts itself down. Requests
// that miss the path move an abuse counter that also shuts the server down
// when its limit is reached.
//
// # Running a server
//
// The server binds a TCP listener (kernel-assigned port by default) and
// advertises a share URL of the form http://<ip>:<port>/<token>/<name>.
//
//	cfg := hushd.Config{
//	    SecretFile: "/tmp/note.txt",
//	    MaxUses:    1,
//	}
//	srv, err := hushd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("hushd: %v", err)
//	    }
//	}()
//	if err := srv.WaitUntilReady(ctx); err != nil { log.Fatal(err) }
//	fmt.Println(srv.ShareURL())
//
// Start blocks until the sharing session ends: every delivery slot was
// consumed, the abuse limit was hit, the process was interrupted, or the
// watched secret file disappeared. StopReason reports which trigger fired
// first and whether the stop counts as clean.
//
// # Stop semantics
//
// All stop triggers race toward a single latch; exactly one wins and its
// reason sticks. The stop sequence then runs once: the listener stops
// accepting, in-flight deliveries get a bounded drain grace, telemetry is
// flushed, and Start returns. Requests arriving after the latch has fired
// are answered 404 without moving any counter.
//
// # Embedding and tests
//
// StartServer runs the server in a background goroutine and hands back a
// stop function; StartTestServer does the same against testing.TB with a
// loopback listener and an in-memory secret. Handler exposes the request
// gate for mounting in an existing mux.
//
// # Telemetry
//
// Everything is off by default — a tool whose whole point is a short-lived
// unguessable URL should not open extra surfaces unasked. Config can enable
// a Prometheus scrape endpoint, a pprof listener, and OTLP trace export.
package hushd
