package redis

const (
	// pushTimerScript atomically writes a timer record while enforcing the
	// anti-inflation rule server-side: for the same date, time_remaining may
	// only go down unless the write carries a strictly newer last_reset
	// (an override).
	pushTimerScript = `
local timer_key = KEYS[1]       -- limitd:timer:{userID}:{domain}

local user_id = ARGV[1]
local domain = ARGV[2]
local time_remaining = tonumber(ARGV[3])
local time_limit = ARGV[4]
local is_active = ARGV[5]
local is_blocked = ARGV[6]
local blocked_until = ARGV[7]
local updated_at = ARGV[8]
local date = ARGV[9]
local last_reset = tonumber(ARGV[10])

-- Reject inflating writes for the same day
local cur_date = redis.call('HGET', timer_key, 'date')
if cur_date == date then
  local cur_remaining = tonumber(redis.call('HGET', timer_key, 'time_remaining'))
  local cur_reset = tonumber(redis.call('HGET', timer_key, 'last_reset')) or 0
  if cur_remaining and time_remaining > cur_remaining and last_reset <= cur_reset then
    return 'REJECTED'
  end
end

redis.call('HSET', timer_key,
  'user_id', user_id,
  'domain', domain,
  'time_remaining', time_remaining,
  'time_limit', time_limit,
  'is_active', is_active,
  'is_blocked', is_blocked,
  'blocked_until', blocked_until,
  'updated_at', updated_at,
  'date', date,
  'last_reset', last_reset
)

-- Records are daily; keep two days so every timezone sees rollover
redis.call('EXPIRE', timer_key, 172800)

return 'OK'
`
)
