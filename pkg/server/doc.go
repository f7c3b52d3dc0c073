// Package server accepts WebSocket connections and runs a server-role
// connmux socket on each one.
//
// # Architecture
//
//   - Server: chi router with the socket endpoint, /healthz and optional
//     /metrics, plus signal-driven graceful shutdown
//   - Manager: tracks live sockets, enforces MaxSockets, closes every
//     socket on shutdown
//   - RequestInfo: the upgrade request metadata exposed by
//     Socket.Request() on server-role sockets
//
// # Socket Lifecycle
//
// Each upgrade wraps the connection in a wsconn.Conn and creates a socket
// with the server's options and OnSocket callbacks applied, in that order,
// before the socket starts reading. The socket is removed from the Manager
// when its transport closes.
//
// # Usage
//
//	srv := server.New(server.DefaultConfig().WithAddress(":8080"))
//	srv.Use(middleware.Prometheus())
//	srv.OnSocket(func(s *socket.Socket) {
//	    s.OnLogin(func(body protocol.LoginBody, seq int64, s *socket.Socket) {
//	        s.Connect(protocol.ConnectBody{ConnID: socket.NewConnID(), Seq: seq})
//	    })
//	})
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// Handler() can also be mounted on an existing router:
//
//	r := chi.NewRouter()
//	r.Mount("/", srv.Handler())
package server
