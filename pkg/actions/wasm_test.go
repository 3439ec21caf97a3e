package actions

// Minimal WebAssembly assembler for test modules. Only the opcodes the
// fixtures below need are covered.

func uleb(n uint32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(n int32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wname(s string) []byte { return append(uleb(uint32(len(s))), s...) }

func wvec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func wsection(id byte, payload []byte) []byte {
	out := append([]byte{id}, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func i32(n int32) []byte        { return append([]byte{0x41}, sleb(n)...) }
func call(idx uint32) []byte     { return append([]byte{0x10}, uleb(idx)...) }
func localGet(idx uint32) []byte { return append([]byte{0x20}, uleb(idx)...) }
func localSet(idx uint32) []byte { return append([]byte{0x21}, uleb(idx)...) }

var (
	i32Store = []byte{0x36, 0x02, 0x00}
	i32Load  = []byte{0x28, 0x02, 0x00}
	drop     = []byte{0x1a}
	end      = []byte{0x0b}
	magic    = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	// (i32, i32, i32, i32) -> i32 and () -> ()
	sigQuad = cat([]byte{0x60}, wvec([]byte{0x7f}, []byte{0x7f}, []byte{0x7f}, []byte{0x7f}), wvec([]byte{0x7f}))
	sigVoid = cat([]byte{0x60}, wvec(), wvec())
)

func funcImport(module, name string) []byte {
	return cat(wname(module), wname(name), []byte{0x00}, uleb(0))
}

func commonSections(imports ...[]byte) []byte {
	return cat(
		wsection(1, wvec(sigQuad, sigVoid)),
		wsection(2, wvec(imports...)),
		wsection(3, wvec(uleb(1))),
		wsection(5, wvec(cat([]byte{0x00}, uleb(1)))),
		wsection(7, wvec(
			cat(wname("memory"), []byte{0x02}, uleb(0)),
			cat(wname("_start"), []byte{0x00}, uleb(2)),
		)),
	)
}

func codeSection(locals []byte, body ...[]byte) []byte {
	fn := cat(append([][]byte{locals}, body...)...)
	return wsection(10, wvec(cat(uleb(uint32(len(fn))), fn)))
}

// fetchModule calls warden.fetch with req and writes the result to stdout.
func fetchModule(req string) []byte {
	n := int32(len(req))
	return cat(magic,
		commonSections(funcImport("warden", "fetch"), funcImport("wasi_snapshot_preview1", "fd_write")),
		codeSection(wvec(cat(uleb(1), []byte{0x7f})),
			i32(0), i32(n), i32(1024), i32(4096), call(0), localSet(0),
			i32(512), i32(1024), i32Store,
			i32(516), localGet(0), i32Store,
			i32(1), i32(512), i32(1), i32(520), call(1), drop,
			end,
		),
		wsection(11, wvec(cat([]byte{0x00}, i32(0), end, uleb(uint32(n)), []byte(req)))),
	)
}

// echoModule copies stdin to stdout.
func echoModule() []byte {
	return cat(magic,
		commonSections(funcImport("wasi_snapshot_preview1", "fd_read"), funcImport("wasi_snapshot_preview1", "fd_write")),
		codeSection(wvec(),
			i32(512), i32(1024), i32Store,
			i32(516), i32(4096), i32Store,
			i32(0), i32(512), i32(1), i32(520), call(0), drop,
			i32(516), i32(520), i32Load, i32Store,
			i32(1), i32(512), i32(1), i32(524), call(1), drop,
			end,
		),
	)
}

// loopModule never returns.
func loopModule() []byte {
	body := cat(wvec(), []byte{0x03, 0x40, 0x0c}, uleb(0), end, end)
	return cat(magic,
		wsection(1, wvec(sigVoid)),
		wsection(3, wvec(uleb(0))),
		wsection(7, wvec(cat(wname("_start"), []byte{0x00}, uleb(0)))),
		wsection(10, wvec(cat(uleb(uint32(len(body))), body))),
	)
}
