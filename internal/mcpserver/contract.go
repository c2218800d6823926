package mcpserver

// StatusModel describes the download states and sync warnings reported by
// the tools, so LLM consumers can interpret tool output.
const StatusModel = `# offsync Status Model

## Resources

A resource is addressed by site, type, component and id. Its status is one of:

| Status | Meaning |
|---|---|
| ` + "`not_downloadable`" + ` | The site does not serve this content type. |
| ` + "`not_downloaded`" + ` | Nothing cached. |
| ` + "`downloading`" + ` | A download is running. Only one runs per resource. |
| ` + "`downloaded`" + ` | Cached and believed current. |
| ` + "`outdated`" + ` | Cached, but the remote may hold a newer revision. |

Resources of a type no handler knows report ` + "`downloaded`" + `: there is nothing
to fetch for them.

A failed download restores the status the resource had before it started.

## Offline actions

Actions are buffered per entity (site + entity id) in insertion order. Each
carries the remote sequence it was produced against. ` + "`sync_entity`" + ` sends
the buffer in one submission when the remote sequence still matches.

## Sync warnings

| Code | Meaning |
|---|---|
| ` + "`entity_finished`" + ` | The entity was finished or deleted remotely; the buffer was dropped. |
| ` + "`data_discarded`" + ` | The remote state moved on; the buffer was dropped. |

A sync that fails because the remote is unreachable keeps the buffer and can
simply be retried.
`
