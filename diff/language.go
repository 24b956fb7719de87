package diff

import "strings"

// extensionLanguages maps file extensions to language labels. Unknown
// extensions yield "" and the file is treated as unparseable by the AST
// layer downstream.
var extensionLanguages = map[string]string{
	".py":     "python",
	".js":     "javascript",
	".jsx":    "javascript",
	".ts":     "typescript",
	".tsx":    "typescript",
	".go":     "go",
	".rs":     "rust",
	".java":   "java",
	".kt":     "kotlin",
	".swift":  "swift",
	".rb":     "ruby",
	".php":    "php",
	".cs":     "csharp",
	".cpp":    "cpp",
	".cc":     "cpp",
	".cxx":    "cpp",
	".hpp":    "cpp",
	".c":      "c",
	".h":      "c",
	".sh":     "bash",
	".bash":   "bash",
	".zsh":    "bash",
	".sql":    "sql",
	".yaml":   "yaml",
	".yml":    "yaml",
	".json":   "json",
	".tf":     "terraform",
	".proto":  "protobuf",
	".html":   "html",
	".css":    "css",
	".scss":   "scss",
	".less":   "less",
	".xml":    "xml",
	".toml":   "toml",
	".ini":    "ini",
	".cfg":    "ini",
	".r":      "r",
	".scala":  "scala",
	".dart":   "dart",
	".lua":    "lua",
	".ex":     "elixir",
	".exs":    "elixir",
	".erl":    "erlang",
	".hs":     "haskell",
	".ml":     "ocaml",
	".vue":    "vue",
	".svelte": "svelte",
}

// DetectLanguage returns the language label for a path based on its
// extension, or "" when the extension is not recognized.
func DetectLanguage(path string) string {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return ""
	}
	return extensionLanguages[strings.ToLower(path[dot:])]
}
