package assets

import "embed"

// DemoFS embeds the browser demo served under /demo/.
//
// go:embed patterns must not use ".." and must be relative to this file.
//
//go:embed demo/*.html demo/*.js
var DemoFS embed.FS
