package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"helix/internal/types"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/rust"
)

// Capability is something a skill can do to the host beyond computing on
// its arguments.
type Capability string

const (
	CapProcess    Capability = "process"
	CapFilesystem Capability = "filesystem"
	CapNetwork    Capability = "network"
	CapUnsafe     Capability = "unsafe"
	CapFFI        Capability = "ffi"
	CapEnv        Capability = "env"
	CapThreads    Capability = "threads"
	CapOverflow   Capability = "overflow" // unbounded copies into fixed buffers
)

// Hit is one piece of evidence for a capability.
type Hit struct {
	Capability Capability `json:"capability"`
	Line       int        `json:"line"` // 1-based
	Evidence   string     `json:"evidence"`
}

// rustPaths maps path prefixes to the capability they grant.
var rustPaths = []struct {
	prefix string
	kind   Capability
}{
	{"std::process", CapProcess},
	{"Command::", CapProcess},
	{"std::fs", CapFilesystem},
	{"File::", CapFilesystem},
	{"OpenOptions", CapFilesystem},
	{"std::net", CapNetwork},
	{"TcpStream", CapNetwork},
	{"TcpListener", CapNetwork},
	{"UdpSocket", CapNetwork},
	{"reqwest", CapNetwork},
	{"std::env", CapEnv},
	{"env::var", CapEnv},
	{"std::thread", CapThreads},
	{"thread::spawn", CapThreads},
	{"libc::", CapFFI},
	{"std::ffi", CapFFI},
	{"std::mem::transmute", CapUnsafe},
	{"ptr::", CapUnsafe},
}

var cCalls = map[string]Capability{
	"system": CapProcess, "popen": CapProcess, "fork": CapProcess, "vfork": CapProcess,
	"execl": CapProcess, "execlp": CapProcess, "execle": CapProcess,
	"execv": CapProcess, "execvp": CapProcess, "execve": CapProcess, "posix_spawn": CapProcess,

	"fopen": CapFilesystem, "open": CapFilesystem, "openat": CapFilesystem, "creat": CapFilesystem,
	"unlink": CapFilesystem, "remove": CapFilesystem, "rename": CapFilesystem,
	"opendir": CapFilesystem, "mkdir": CapFilesystem, "rmdir": CapFilesystem, "chmod": CapFilesystem,

	"socket": CapNetwork, "connect": CapNetwork, "bind": CapNetwork, "listen": CapNetwork,
	"accept": CapNetwork, "getaddrinfo": CapNetwork, "gethostbyname": CapNetwork,
	"sendto": CapNetwork, "recvfrom": CapNetwork,

	"getenv": CapEnv, "setenv": CapEnv, "putenv": CapEnv, "secure_getenv": CapEnv,

	"pthread_create": CapThreads, "thrd_create": CapThreads,

	"dlopen": CapFFI, "dlsym": CapFFI,

	"strcpy": CapUnsafe, "strcat": CapUnsafe, "sprintf": CapUnsafe, "vsprintf": CapUnsafe,
	"alloca": CapUnsafe,

	"gets": CapOverflow,
}

// Scan parses source with the grammar for lang and reports every capability
// hit in source order.
func Scan(ctx context.Context, lang types.Language, source []byte) ([]Hit, error) {
	parser := sitter.NewParser()
	defer parser.Close()

	switch lang {
	case types.LanguageRust:
		parser.SetLanguage(rust.GetLanguage())
	case types.LanguageC:
		parser.SetLanguage(c.GetLanguage())
	default:
		return nil, fmt.Errorf("classify: unsupported language %q", lang)
	}

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("classify: parse %s: %w", lang, err)
	}
	defer tree.Close()

	s := &scanner{src: source, seen: make(map[string]bool)}
	if lang == types.LanguageRust {
		s.walk(tree.RootNode(), s.rustNode)
	} else {
		s.walk(tree.RootNode(), s.cNode)
	}
	sort.SliceStable(s.hits, func(i, j int) bool { return s.hits[i].Line < s.hits[j].Line })
	return s.hits, nil
}

// Capabilities returns the distinct capabilities in hits, sorted.
func Capabilities(hits []Hit) []Capability {
	set := make(map[Capability]bool)
	for _, h := range hits {
		set[h.Capability] = true
	}
	out := make([]Capability, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type scanner struct {
	src  []byte
	hits []Hit
	seen map[string]bool
}

func (s *scanner) walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil {
		return
	}
	if !visit(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		s.walk(n.NamedChild(i), visit)
	}
}

func (s *scanner) add(kind Capability, n *sitter.Node, evidence string) {
	line := int(n.StartPoint().Row) + 1
	key := fmt.Sprintf("%s:%d", kind, line)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.hits = append(s.hits, Hit{Capability: kind, Line: line, Evidence: clip(evidence, maxEvidence)})
}

const maxEvidence = 80

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *scanner) rustNode(n *sitter.Node) bool {
	switch n.Type() {
	case "unsafe_block":
		s.add(CapUnsafe, n, "unsafe block")
	case "function_modifiers":
		if strings.Contains(n.Content(s.src), "unsafe") {
			s.add(CapUnsafe, n, "unsafe fn")
		}
	case "foreign_mod_item":
		s.add(CapFFI, n, "extern block")
		return false
	case "use_declaration", "scoped_identifier", "scoped_type_identifier":
		text := n.Content(s.src)
		for _, p := range rustPaths {
			if strings.Contains(text, p.prefix) {
				s.add(p.kind, n, text)
			}
		}
		// Outer path already covers the inner segments.
		return false
	case "macro_invocation":
		if strings.HasPrefix(n.Content(s.src), "include_bytes!") || strings.HasPrefix(n.Content(s.src), "include_str!") {
			s.add(CapFilesystem, n, "compile-time file include")
		}
	}
	return true
}

func (s *scanner) cNode(n *sitter.Node) bool {
	switch n.Type() {
	case "call_expression":
		fn := n.ChildByFieldName("function")
		if fn != nil && fn.Type() == "identifier" {
			name := fn.Content(s.src)
			if kind, ok := cCalls[name]; ok {
				s.add(kind, n, name+"()")
			}
		}
	case "preproc_include":
		text := n.Content(s.src)
		switch {
		case strings.Contains(text, "sys/socket.h"), strings.Contains(text, "netdb.h"):
			s.add(CapNetwork, n, strings.TrimSpace(text))
		case strings.Contains(text, "dlfcn.h"):
			s.add(CapFFI, n, strings.TrimSpace(text))
		}
	case "gnu_asm_expression":
		s.add(CapUnsafe, n, "inline assembly")
	}
	return true
}
