/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# NSDB: the namespace metadata write path of an object store

## What does a request go through?

1, the consensus layer commits the request at a log index, the index is the request's identity from then on

2, the applier hands the request to a worker, requests on one bucket keep their log order, requests on different buckets run in parallel

3, the worker locks the bucket or volume, resolves the path, decides whether the request is fresh or a replay, and stages the mutations into the cache tables

4, the response is enqueued into the flush engine, it is released to the client only after the mutations are written to the store

## Data Model

* Volumes, Buckets, Directories and Keys.

* Volume, name --> owner, quota and usage

* Bucket, <volume, bucket> --> object id, quota, usage and versioning

* Directory and Key, <parent object id, name> --> child, the parent of a root level child is the bucket

* Open key, <parent object id, name, client id> --> a key being written and not yet committed

* Deleted, <object id, log index> --> a key version that is no longer reachable

## Replay

Every record carries the index of the log entry that last changed it. A committed entry applied again after a restart finds records with an index at or beyond its own, and is answered without changing anything.

*/

package nsdb
