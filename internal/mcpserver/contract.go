package mcpserver

// DocumentFormatContract describes the Markdown document format and the
// proposal operations that LLM consumers use to change documents.
const DocumentFormatContract = `# Recordbook Document Format

Documents are UTF-8 Markdown files with a .md extension and forward-slash paths.

## Structure

` + "```" + `markdown
---
title: Acme Corp            # optional; otherwise the first level-1 heading
tags: [client]              # optional YAML list
---

# Acme Corp {#acme}
` + "```" + `yaml
status: active
price:
  base: 100
` + "```" + `

Free Markdown body. Link other documents with [[clients/other]].

## Timeline {#acme-timeline}
` + "```" + `

## Rules

1. A **block** starts at a heading ending in ` + "`{#anchor}`" + ` and runs to the next anchored heading.
   Anchors use letters, digits, ` + "`-`" + ` and ` + "`_`" + ` and are unique within a document.
2. The first fenced ` + "`yaml`" + ` code block after the heading is the block's **machine mapping**.
   Only blank lines may sit between the heading and the fence. It must be closed with ` + "```" + `
   and hold a YAML mapping.
3. Everything else is body text and is never reinterpreted.
4. Unanchored headings are body text of the enclosing block.

## Changing documents

Never rewrite a document wholesale. Send a **proposal** to validate_proposal, then execute_proposal:

` + "```" + `yaml
target_file: clients/acme
message: Raise base price
ops:
  - kind: update_yaml      # set a dot path inside a machine mapping
    anchor: acme
    path: price.base
    value: 120
  - kind: insert_block     # new anchored block after an existing one
    after: acme
    block: {heading: Notes, anchor: acme-notes, body: "First call went well."}
  - kind: append_event     # event block; event.id becomes its anchor, body its text
    after: acme-timeline
    event: {id: ev-1, type: call, note: renewal}
  - kind: update_body      # replace a block's body, keeping heading and mapping
    anchor: acme-notes
    body: Second call scheduled.
` + "```" + `

Every operation is checked before anything is written; a rejected proposal lists all of
its problems. Operations see the anchors created by earlier operations in the same proposal.
A successful proposal is committed as one version-control commit.

## State machines

Blocks may carry a workflow state in their ` + "`status`" + ` field. Use get_state to see the legal
events and transition to fire one. Illegal events are refused and nothing is written.
`
