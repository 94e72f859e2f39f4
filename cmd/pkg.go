/*
Ocisync copies and syncs container images between OCI distribution registries and
directory stores.

Usage:

	ocisync [global options] command [command options] SRC [DST]

Locations:

	docker://host[:port]/repository[:tag|@digest]
		A registry. Docker Hub images may omit the host, e.g. docker://alpine:3.20.
	dir:/path[//repository[:tag|@digest]]
		A directory store laid out like a registry's storage.

Commands:

	copy SRC DST
		Copies one image. SRC needs a tag or digest. A manifest list is copied with
		every platform image.
	sync SRC DST
		Syncs --tags of the SRC repository, the SRC tag, every tag of the SRC
		repository, or every repository of SRC when it has no repository or when
		--all-repos is given. Tags listed from the source are matched against
		--tag-filter.
	sync --catalog FILE DST
		Syncs the domains and repositories in a catalog file.
	inspect SRC
		Prints the tags and the manifest of an image as JSON.
	tags SRC
		Prints the tags of a repository.
	version
		Displays the version.

Global options:

	--config-file string
		A yaml file with configuration and per-registry auth and TLS.
	--log-level string
		trace, debug, info, warn, or error. Defaults to 'error'.
	--log-file string
		Logs to the file rather than the console.
	--workers int
		The number of concurrent transfers. Defaults to twice the CPU count.
	--metrics int
		Serves prometheus metrics on the port.
	--timeout string
		The registry connection and response header timeout. Defaults to 60s.

Sync options:

	--interval string
		Repeats the sync on the interval until interrupted. With --catalog, the
		sync also repeats when the catalog file changes.
	--prefix-domain
		Places destination repositories under the source domain.
*/
package main
