package mcpserver

// OptionsContractURI is the resource URI of OptionsContract.
const OptionsContractURI = "sift://task-options"

// OptionsContract describes the task options file that LLM consumers should
// follow when preparing a directory for ingestion.
const OptionsContract = `# sift Task Options Contract

A directory is ingested with the options found in ` + "`parser.cfg`" + ` next to the
files (or the file named by INDEX_CONFIG / --config). The file is INI with a
single ` + "`[DEFAULT]`" + ` section. Keys are case-insensitive.

## Example

` + "```" + `ini
[DEFAULT]
variant     = {{ INT }} 1
upsert_mode = {{ BOOL }} true
upsert_keys = {{ LIST }} _sh, _r
file_keys   = {{ JSON }} {"origin": "ledger"}
cname       = sales
` + "```" + `

## Tagged values

A value starting with ` + "`{{ TAG }}`" + ` is decoded by TAG:

| Tag     | Result                         |
|---------|--------------------------------|
| JSON    | any JSON value                 |
| INT     | integer                        |
| FLOAT   | floating point number          |
| BOOL    | true / false                   |
| LIST    | comma separated strings        |
| INTLIST | comma separated integers       |

Untagged values are plain strings. An unknown tag is dropped and the text after it is kept as a string.

## Keys

1. **variant** (INT, default 1) or **extractor** (name): which extractor reads the files.
   Variant 1 is ` + "`sheet`" + `: .xlsx, .xlsm, .csv and .tsv. Other files are skipped.
2. **upsert_mode** (BOOL): reconcile records by key. When false every scan appends.
3. **upsert_keys** (LIST): key fields. Defaults to the extractor's preferred keys
   (` + "`_row, _shid, _r`" + ` for sheet) or else every field of the first record.
4. **cname**: record collection.
5. **file_keys**, **record_keys**, **task_keys** (JSON objects): tags stored on the
   source unit, on every record entry and on the task.
6. **raise_after_exception** (BOOL): stop the run on the first extractor failure
   after recording it.
7. **batch_size** (INT, default 500) and **sheets** (LIST): sheet extractor tuning.

Changing any option registers a new task, so earlier records are not marked removed
by the new task's scans.
`
