// Package chat holds the direct platform adapters used when no external chat gateway is
// deployed.
//
// A Mux routes outbound frames to the adapter registered for frame.Platform and fans every
// adapter's inbound frames into one channel, so the relay sees a single relay.Gateway:
//   - TwitchAdapter: joins TWITCH_CHANNEL over IRC as TWITCH_BOT_USERNAME, forwards channel
//     PRIVMSGs (except the bot's own) and posts outbound frames as "name: text".
//   - youtubeapi.LiveChat: polls a YouTube live chat and inserts outbound frames.
//
// Credentials: the IRC client needs a bot username and an OAuth token with chat:read and
// chat:edit scopes. The token may be given with or without the "oauth:" prefix.
package chat
