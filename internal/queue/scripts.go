package queue

import "github.com/redis/go-redis/v9"

// KEYS: job, waiting
// ARGV: id, instance, payload, max_retries, backoff, now_ms
// Returns {created, instance, state}.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'succeeded' and state ~= 'failed' then
  return {0, redis.call('HGET', KEYS[1], 'instance'), state}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'instance', ARGV[2], 'payload', ARGV[3],
  'attempts', 0, 'max_retries', ARGV[4], 'backoff', ARGV[5],
  'state', 'waiting', 'error', '', 'created_at', ARGV[6], 'updated_at', ARGV[6])
redis.call('LPUSH', KEYS[2], ARGV[1])
return {1, ARGV[2], 'waiting'}
`)

// KEYS: job, lock, active
// ARGV: id, token, lock_ttl_ms, now_ms
// Returns {attempt, instance, payload, max_retries, backoff} or nil for stale ids.
var claimScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if (not state) or state == 'succeeded' or state == 'failed' then
  redis.call('LREM', KEYS[3], 0, ARGV[1])
  return false
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
local attempt = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', 'active', 'updated_at', ARGV[4])
local f = redis.call('HMGET', KEYS[1], 'instance', 'payload', 'max_retries', 'backoff')
return {attempt, f[1], f[2], f[3], f[4]}
`)

// KEYS: lock
// ARGV: token, lock_ttl_ms
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// KEYS: job, active, delayed, lock, result
// ARGV: id, instance, token, state, error, ready_at_ms, now_ms, result_ttl_ms, result_json
// Returns 1 when settled, 0 when this worker no longer owns the job.
var settleScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'instance', 'state')
if f[1] ~= ARGV[2] or f[2] ~= 'active' then
  return 0
end
local lock = redis.call('GET', KEYS[4])
if lock and lock ~= ARGV[3] then
  return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('DEL', KEYS[4])
redis.call('HSET', KEYS[1], 'state', ARGV[4], 'error', ARGV[5], 'updated_at', ARGV[7])
if ARGV[4] == 'retrying' then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
  redis.call('PEXPIRE', KEYS[1], ARGV[8])
  redis.call('SET', KEYS[5], ARGV[9], 'PX', ARGV[8])
end
return 1
`)

// KEYS: job, active, waiting, lock
// ARGV: id, token
// Returns a claimed job to the head of waiting without spending an attempt.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[4]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[4])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts', -1)
redis.call('HSET', KEYS[1], 'state', 'waiting')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: delayed, waiting
// ARGV: now_ms, limit
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// KEYS: job, active, waiting, lock
// ARGV: id
// Moves an active job whose lock has expired back to waiting.
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return 0
end
if redis.call('LREM', KEYS[2], 0, ARGV[1]) == 0 then
  return 0
end
local state = redis.call('HGET', KEYS[1], 'state')
if (not state) or state == 'succeeded' or state == 'failed' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'waiting')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
