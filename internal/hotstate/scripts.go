package hotstate

import "github.com/redis/go-redis/v9"

// Every balance mutation is one of these scripts. Redis runs a script to
// completion before serving any other command, so the user hash and the
// balance index can never be observed half-updated.
//
// Scripts return strings rather than Lua numbers: Redis truncates Lua
// numbers to integers on the way out.

const luaHelpers = `
local function num(v)
  if not v then return nil end
  return tonumber(v)
end
local function round3(x)
  return math.floor(x * 1000 + 0.5) / 1000
end
local function fmt3(x)
  return string.format('%.3f', round3(x))
end
local function keytype(key)
  local t = redis.call('TYPE', key)
  if type(t) == 'table' then t = t['ok'] end
  return t
end
`

// seedScript writes a user hash unless it already exists.
// KEYS: user, index. ARGV: user_id, balance, passive_rate, per_click_rate, now, ttl.
var seedScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local balance = ARGV[2]
local indexed = redis.call('ZSCORE', KEYS[2], ARGV[1])
if indexed then
  balance = indexed
end
local b = num(balance)
if not b then
  return redis.error_reply('MALFORMED balance')
end
balance = fmt3(b)
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1],
  'balance', balance,
  'passive_rate', ARGV[3],
  'per_click_rate', ARGV[4],
  'last_reconciled_at', ARGV[5])
redis.call('ZADD', KEYS[2], balance, ARGV[1])
if (num(ARGV[3]) or 0) > 0 then
  redis.call('PERSIST', KEYS[1])
else
  redis.call('EXPIRE', KEYS[1], ARGV[6])
end
return 1
`)

// clickScript credits round(clicks * per_click_rate * probability, 3).
// KEYS: user, index. ARGV: clicks, probability, ttl.
var clickScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOUSER')
end
local f = redis.call('HMGET', KEYS[1], 'user_id', 'balance', 'per_click_rate', 'passive_rate')
local uid = f[1]
local bal = num(f[2])
local rate = num(f[3])
if not uid or not bal or not rate then
  return redis.error_reply('MALFORMED user record')
end
local credit = round3(tonumber(ARGV[1]) * rate * tonumber(ARGV[2]))
local nb = fmt3(bal + credit)
redis.call('HSET', KEYS[1], 'balance', nb)
redis.call('ZADD', KEYS[2], nb, uid)
if (num(f[4]) or 0) <= 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return {string.format('%.3f', credit), nb}
`)

// upgradeScript settles pending passive accrual at the old rate, debits the
// price and installs the new rates.
// KEYS: user, index. ARGV: price, passive_rate, per_click_rate, now, ttl.
// Reply: {balance, settled, old per_click_rate}
var upgradeScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOUSER')
end
local f = redis.call('HMGET', KEYS[1], 'user_id', 'balance', 'passive_rate', 'last_reconciled_at', 'per_click_rate')
local uid = f[1]
local bal = num(f[2])
local rate = num(f[3])
local last = num(f[4])
local pcr = num(f[5]) or 0
if not uid or not bal or not rate then
  return redis.error_reply('MALFORMED user record')
end
local now = tonumber(ARGV[4])
local stamp = ARGV[4]
local settled = 0
if last and last > now then
  stamp = f[4]
elseif rate > 0 and last then
  settled = round3((now - last) * rate)
  bal = bal + settled
end
bal = round3(bal)
local price = tonumber(ARGV[1])
if bal < price then
  return redis.error_reply('INSUFFICIENT balance')
end
local nb = fmt3(bal - price)
redis.call('HSET', KEYS[1],
  'balance', nb,
  'passive_rate', ARGV[2],
  'per_click_rate', ARGV[3],
  'last_reconciled_at', stamp)
redis.call('ZADD', KEYS[2], nb, uid)
if tonumber(ARGV[2]) > 0 then
  redis.call('PERSIST', KEYS[1])
else
  redis.call('EXPIRE', KEYS[1], ARGV[5])
end
return {nb, string.format('%.3f', settled), tostring(pcr)}
`)

// reconcileScript credits elapsed * passive_rate for a batch of users.
// KEYS: user..., index (last). ARGV: now.
// Reply: {{user_id, accrued, elapsed, per_click_rate}...}, {malformed_key...}
var reconcileScript = redis.NewScript(luaHelpers + `
local now = tonumber(ARGV[1])
local index = KEYS[#KEYS]
local credited = {}
local malformed = {}
for i = 1, #KEYS - 1 do
  local key = KEYS[i]
  local t = keytype(key)
  if t == 'hash' then
    local f = redis.call('HMGET', key, 'user_id', 'balance', 'passive_rate', 'per_click_rate', 'last_reconciled_at')
    local uid = f[1]
    local bal = num(f[2])
    local rate = num(f[3])
    local pcr = num(f[4]) or 0
    local last = num(f[5])
    if not uid or not bal or not rate then
      table.insert(malformed, key)
    elseif rate > 0 then
      if not last then
        redis.call('HSET', key, 'last_reconciled_at', ARGV[1])
      elseif now > last then
        local accrued = round3((now - last) * rate)
        local nb = fmt3(bal + accrued)
        redis.call('HSET', key, 'balance', nb, 'last_reconciled_at', ARGV[1])
        redis.call('ZADD', index, nb, uid)
        table.insert(credited, {uid, string.format('%.3f', accrued), string.format('%.3f', now - last), tostring(pcr)})
      end
    end
  elseif t ~= 'none' then
    table.insert(malformed, key)
  end
end
return {credited, malformed}
`)

// topScript returns the N highest balances as {user_id, balance} pairs.
// KEYS: index. ARGV: n.
var topScript = redis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1, 'WITHSCORES')
local result = {}
for i = 1, #top, 2 do
  table.insert(result, {top[i], top[i + 1]})
end
return result
`)

// totalScript sums every balance in the index in a single step.
// KEYS: index.
var totalScript = redis.NewScript(`
local sum = 0
local items = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
for i = 2, #items, 2 do
  sum = sum + tonumber(items[i])
end
return string.format('%.3f', sum)
`)

// claimScript grants min(won, max - current) per item.
// KEYS: quantity hash. ARGV: item, max, won, item, max, won, ...
// Reply: {{item, granted, current}...}
var claimScript = redis.NewScript(`
local out = {}
for i = 1, #ARGV, 3 do
  local item = ARGV[i]
  local max = tonumber(ARGV[i + 1])
  local won = tonumber(ARGV[i + 2])
  local cur = tonumber(redis.call('HGET', KEYS[1], item) or '0')
  local remaining = max - cur
  if remaining < 0 then
    remaining = 0
  end
  local granted = won
  if granted > remaining then
    granted = remaining
  end
  if granted > 0 then
    cur = redis.call('HINCRBY', KEYS[1], item, granted)
  end
  table.insert(out, {item, tostring(granted), tostring(cur)})
end
return out
`)

// seedQuantityScript raises each counter to at least the durable count.
// KEYS: quantity hash. ARGV: item, count, item, count, ...
var seedQuantityScript = redis.NewScript(`
for i = 1, #ARGV, 2 do
  local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[i]) or '0')
  local want = tonumber(ARGV[i + 1])
  if want > cur then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  end
end
return #ARGV / 2
`)
