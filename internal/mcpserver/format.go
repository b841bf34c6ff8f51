package mcpserver

// NoteFormat describes the layout of the note files the pipeline writes, for
// MCP clients that read notes back out of the vault.
const NoteFormat = `# Ansuz Saved Note Format

Every note the pipeline saves has this shape:

` + "```" + `markdown
Original message text, verbatim.

![[assets/1717236000123-photo.jpg]]

---
Saved At: 2025-06-01T10:00:05Z
Saved By: maria
Sent At: 2025-06-01T10:00:00Z
Forwarded From: https://t.me/somechannel/55
Tags: #shopping #errands
` + "```" + `

## Rules

1. The body comes first: the captured text exactly as it was sent.
2. An attachment, when present, is embedded as an Obsidian-style
   ` + "`" + `![[assets/...]]` + "`" + ` link pointing at the stored file.
3. The final ` + "`" + `---` + "`" + ` line starts the metadata block. Lines before it belong
   to the body, even if they contain ` + "`" + `---` + "`" + ` themselves.
4. ` + "`" + `Saved At` + "`" + ` is always present (RFC 3339, UTC). The other metadata
   lines appear only when the source message carried that information.
5. Tags are space-separated and each starts with ` + "`" + `#` + "`" + `.
6. File names are the AI-derived title, sanitized for the filesystem; name
   collisions get a ` + "`" + `-1` + "`" + `, ` + "`" + `-2` + "`" + `, … suffix.
7. Assets live under ` + "`" + `assets/` + "`" + ` with an epoch-milliseconds prefix.
`
