package web

import _ "embed"

//go:embed index.html
var index []byte

// Index returns the single-page chat interface
func Index() []byte {
	return index
}
