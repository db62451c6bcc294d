package jobs

import redis "github.com/redis/go-redis/v9"

// Lane layout per kind, all sharing the {kind} hash tag:
//
//	<prefix>:{kind}:wait       LIST  runnable ids, LPUSH new, RPOP oldest
//	<prefix>:{kind}:delayed    ZSET  ids scored by run_at (ms)
//	<prefix>:{kind}:active     ZSET  ids scored by lock_until (ms)
//	<prefix>:{kind}:completed  LIST  newest first, trimmed to keep_complete
//	<prefix>:{kind}:failed     LIST  newest first, trimmed to keep_fail
//	<prefix>:{kind}:job:<id>   HASH  envelope

const luaHelpers = `
local function owns(jobKey, token)
  local cur = redis.call('HMGET', jobKey, 'state', 'token')
  return cur[1] == 'active' and cur[2] == token
end

local function finish(jobKey, laneKey, jobPrefix, id, state, keep, now, reason)
  if keep == 0 then
    redis.call('DEL', jobKey)
    return
  end
  redis.call('HSET', jobKey, 'state', state, 'finished_at', now, 'token', '', 'lock_until', 0)
  if reason ~= '' then
    redis.call('HSET', jobKey, 'last_error', reason)
  end
  redis.call('LPUSH', laneKey, id)
  if keep > 0 then
    while redis.call('LLEN', laneKey) > keep do
      local old = redis.call('RPOP', laneKey)
      redis.call('DEL', jobPrefix .. old)
    end
  end
end
`

// KEYS: job, wait, delayed. ARGV: id, run_at, now, field/value pairs...
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
if tonumber(ARGV[2]) > tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: wait, active. ARGV: now, lock_until, token, job prefix.
var claimScript = redis.NewScript(`
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local jobKey = ARGV[4] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('HINCRBY', jobKey, 'attempts', 1)
    redis.call('HSET', jobKey, 'state', 'active', 'token', ARGV[3], 'lock_until', ARGV[2], 'processed_at', ARGV[1])
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    return redis.call('HGETALL', jobKey)
  end
end
`)

// KEYS: job, active. ARGV: token, lock_until, id.
var heartbeatScript = redis.NewScript(luaHelpers + `
if not owns(KEYS[1], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'lock_until', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// KEYS: job, active, completed. ARGV: token, now, id, job prefix.
var completeScript = redis.NewScript(luaHelpers + `
if not owns(KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[3])
local keep = tonumber(redis.call('HGET', KEYS[1], 'keep_complete') or '-1')
finish(KEYS[1], KEYS[3], ARGV[4], ARGV[3], 'completed', keep, ARGV[2], '')
return 1
`)

// KEYS: job, active, failed. ARGV: token, now, id, job prefix, reason.
var failScript = redis.NewScript(luaHelpers + `
if not owns(KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[3])
local keep = tonumber(redis.call('HGET', KEYS[1], 'keep_fail') or '-1')
finish(KEYS[1], KEYS[3], ARGV[4], ARGV[3], 'failed', keep, ARGV[2], ARGV[5])
return 1
`)

// KEYS: job, active, delayed. ARGV: token, run_at, id, reason.
var retryScript = redis.NewScript(luaHelpers + `
if not owns(KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'token', '', 'lock_until', 0, 'run_at', ARGV[2], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 1
`)

// KEYS: delayed, wait. ARGV: now, limit.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// KEYS: active, wait, failed. ARGV: now, limit, job prefix, reason.
// Returns {requeued, failedJob1, failedJob2, ...} where each failed job is
// its HGETALL snapshot taken before retention is applied.
var reapScript = redis.NewScript(luaHelpers + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {0}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. id
  if redis.call('EXISTS', jobKey) == 1 then
    local attempts = tonumber(redis.call('HGET', jobKey, 'attempts') or '0')
    local maxAttempts = tonumber(redis.call('HGET', jobKey, 'max_attempts') or '1')
    if attempts >= maxAttempts then
      redis.call('HSET', jobKey, 'state', 'failed', 'last_error', ARGV[4])
      table.insert(out, redis.call('HGETALL', jobKey))
      local keep = tonumber(redis.call('HGET', jobKey, 'keep_fail') or '-1')
      finish(jobKey, KEYS[3], ARGV[3], id, 'failed', keep, ARGV[1], ARGV[4])
    else
      redis.call('HSET', jobKey, 'state', 'waiting', 'token', '', 'lock_until', 0, 'last_error', ARGV[4])
      redis.call('LPUSH', KEYS[2], id)
      out[1] = out[1] + 1
    end
  end
end
return out
`)

// KEYS: job, failed, wait. ARGV: id, now.
var retryFailedScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'failed' then
  return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts', 0, 'last_error', '', 'finished_at', 0, 'run_at', ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)
