package redis

import "github.com/redis/go-redis/v9"

// transitionScript moves a task out of an expected status.
//
// KEYS: task hash, source status set, target status set, result key
// ARGV: expected status, next status, task json, task id, result json ("" for none)
// Returns -1 when the task is missing, 0 when the status did not match, 1 when applied.
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('SREM', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
if ARGV[5] ~= '' then
	redis.call('SET', KEYS[4], ARGV[5])
end
return 1
`)

// updateStateScript stores an aggregated workflow unless a newer one is stored.
//
// KEYS: workflow hash
// ARGV: settled task count, workflow json
var updateStateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local settled = tonumber(redis.call('HGET', KEYS[1], 'settled') or '0')
if tonumber(ARGV[1]) < settled then
	return 0
end
redis.call('HSET', KEYS[1], 'settled', ARGV[1], 'data', ARGV[2])
return 1
`)
