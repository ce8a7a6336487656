// Package dataconnector provides the data connectors a dataset's "from" source
// resolves to.
//
// A Connector is a capability set. Every connector can Read a full refresh of a
// dataset for acceleration. Optional capabilities are reported by returning nil:
//
//   - TableProvider: the connector can serve the dataset live, without local
//     materialization (mesh attach).
//   - DataPublisher: the connector accepts writes, used to replicate
//     read_write datasets back to their source.
//
// Connectors are created through a Registry keyed by source scheme. RegisterAll
// installs the built-in connectors:
//
//	s3        s3://bucket/prefix           aws-sdk-go-v2
//	minio     minio://bucket/prefix        minio-go
//	file      file:/path/to/dir-or-file    local filesystem
//	postgres  postgres:schema.table        pgx (publisher)
//	sqlite    sqlite:table                 modernc sqlite (publisher)
//
// Object connectors decode parquet, csv and json-lines files, optionally zstd
// compressed (.zst), chosen by the file_format param or the file extension.
package dataconnector
