package mcpserver

// ToolSpec describes one entry of the static tool catalog returned by
// tools/list, per spec.md §4.8's 16-entry list and §6's argument-shape
// table.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

// catalog builds the 16-tool list fresh per call; it is static data, not
// sized enough to warrant caching.
func catalog() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "get_cwd",
			Description: "Return the remote client's current working directory.",
			InputSchema: schema(nil, map[string]any{}),
		},
		{
			Name:        "read_file",
			Description: "Read a remote file, rendered with 1-based line numbers.",
			InputSchema: schema([]string{"path"}, map[string]any{
				"path":   strProp("path to read, resolved against the remote cwd"),
				"offset": intProp("0-based line to start from, default 0"),
				"limit":  intProp("maximum number of lines to return, default 2000"),
			}),
		},
		{
			Name:        "write_file",
			Description: "Write content to a remote file, creating or replacing it.",
			InputSchema: schema([]string{"path", "content"}, map[string]any{
				"path":    strProp("path to write, resolved against the remote cwd"),
				"content": strProp("file content"),
			}),
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact substring in a remote file.",
			InputSchema: schema([]string{"path", "old_string", "new_string"}, map[string]any{
				"path":        strProp("path to edit"),
				"old_string":  strProp("exact text to find"),
				"new_string":  strProp("replacement text"),
				"replace_all": boolProp("replace every occurrence instead of requiring exactly one, default false"),
			}),
		},
		{
			Name:        "list_directory",
			Description: "List a remote directory's entries.",
			InputSchema: schema(nil, map[string]any{
				"path": strProp("directory to list, default '.'"),
			}),
		},
		{
			Name:        "file_info",
			Description: "Return size, mtime, type, and mode for a remote path.",
			InputSchema: schema([]string{"path"}, map[string]any{
				"path": strProp("path to stat"),
			}),
		},
		{
			Name:        "file_exists",
			Description: "Report whether a remote path exists.",
			InputSchema: schema([]string{"path"}, map[string]any{
				"path": strProp("path to check"),
			}),
		},
		{
			Name:        "search_files",
			Description: "Search remote files for a text pattern.",
			InputSchema: schema([]string{"pattern", "path"}, map[string]any{
				"pattern":      strProp("text pattern to search for"),
				"path":         strProp("directory to search"),
				"file_pattern": strProp("glob restricting which files are searched"),
			}),
		},
		{
			Name:        "find_files",
			Description: "Find remote files by name pattern.",
			InputSchema: schema([]string{"pattern"}, map[string]any{
				"pattern": strProp("glob pattern to match file names"),
				"path":    strProp("directory to search, default '.'"),
			}),
		},
		{
			Name:        "execute_command",
			Description: "Run a shell command on the remote client inside its own working directory.",
			InputSchema: schema([]string{"command"}, map[string]any{
				"command": strProp("command line to execute"),
			}),
		},
		{
			Name:        "make_directory",
			Description: "Create a remote directory, including parents.",
			InputSchema: schema([]string{"path"}, map[string]any{
				"path": strProp("directory to create"),
			}),
		},
		{
			Name:        "remove_file",
			Description: "Remove a remote file or directory.",
			InputSchema: schema([]string{"path"}, map[string]any{
				"path": strProp("path to remove"),
			}),
		},
		{
			Name:        "move_file",
			Description: "Move or rename a remote path.",
			InputSchema: schema([]string{"source", "destination"}, map[string]any{
				"source":      strProp("existing path"),
				"destination": strProp("new path"),
			}),
		},
		{
			Name:        "download_url",
			Description: "Fetch an http(s) URL from the relay host and write the body to the remote.",
			InputSchema: schema([]string{"url", "path"}, map[string]any{
				"url":  strProp("URL to fetch"),
				"path": strProp("destination path on the remote; relative paths go to /tmp"),
			}),
		},
		{
			Name:        "upload_to_host",
			Description: "Copy a remote file to a confined path on the relay's own host.",
			InputSchema: schema([]string{"remote_path", "host_path"}, map[string]any{
				"remote_path": strProp("path on the remote to read"),
				"host_path":   strProp("destination path under the relay's confinement root"),
				"overwrite":   boolProp("replace an existing host file, default false"),
			}),
		},
		{
			Name:        "download_from_host",
			Description: "Copy a confined host file to the remote.",
			InputSchema: schema([]string{"host_path", "remote_path"}, map[string]any{
				"host_path":   strProp("path under the relay's confinement root"),
				"remote_path": strProp("destination path on the remote"),
				"overwrite":   boolProp("replace an existing remote file, default false"),
			}),
		},
	}
}
