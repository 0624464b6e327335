package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func smells(m dsl.Matcher) {
	// Two guards returning the same value can be merged:
	//   if a { return err }
	//   if b { return err }
	// => if a || b { return err }
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)

	m.Match(`for $*_ { for $*_ { $*_ } }`).
		Report(`nested for-loop; consider extracting inner loop logic or reducing algorithmic complexity`)
}

// logging: everything outside cmd/ logs through zerolog.
func logging(m dsl.Matcher) {
	m.Match(`fmt.Println($*_)`, `fmt.Printf($*_)`, `log.Printf($*_)`, `log.Println($*_)`).
		Where(!m.File().PkgPath.Matches(`/cmd/`) && m.File().Imports("fmt")).
		Report(`use zerolog (github.com/rs/zerolog/log) instead of printing`)
}

// upstream: provider adapters own an http.Client with a timeout.
func upstream(m dsl.Matcher) {
	m.Match(`http.DefaultClient`, `http.Get($*_)`, `http.Post($*_)`).
		Where(m.File().PkgPath.Matches(`/internal/`)).
		Report(`use the adapter's http.Client; the default client has no timeout`)

	m.Match(`context.Background()`).
		Where(m.File().PkgPath.Matches(`/internal/(domain|relay|api)/`) && !m.File().Name.Matches(`_test\.go$`)).
		Report(`thread the caller's context instead of context.Background()`)
}

// relay: streaming sinks must not be written from more than one goroutine without the sink's lock.
func relay(m dsl.Matcher) {
	m.Match(`$conn.WriteJSON($*_)`).
		Where(m["conn"].Type.Is(`*websocket.Conn`) && !m.File().PkgPath.Matches(`/internal/relay`)).
		Report(`write frames through relay.WebSocketSink, which serializes writes`)
}
